package mailbridge

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// payloadFetcher is the slice of the payload client the egress loop needs.
type payloadFetcher interface {
	GetPayloads(referenceID uuid.UUID) ([]Payload, error)
}

// sender is the slice of the dispatcher the egress loop needs.
type sender interface {
	Send(metadata MailMetadata, qm QueueMessage) error
}

// queueConsumer is the slice of the queue bridge the egress loop needs.
type queueConsumer interface {
	Consume(queue string) (<-chan QueueRecord, error)
}

// MailEgress consumes the outbound queues and turns each record back into
// a mail message. Payload records carry only the envelope; attachments
// are fetched from the payload service by reference id. Signal records
// are sent as-is.
type MailEgress struct {
	config     *Config
	queue      queueConsumer
	payloads   payloadFetcher
	dispatcher sender
	logger     *zap.SugaredLogger
	events     EventSink

	wg sync.WaitGroup
}

// NewMailEgress wires the outbound pipeline.
func NewMailEgress(config *Config, queue queueConsumer, payloads payloadFetcher,
	dispatcher sender, logger *zap.SugaredLogger, events EventSink) *MailEgress {
	return &MailEgress{
		config:     config,
		queue:      queue,
		payloads:   payloads,
		dispatcher: dispatcher,
		logger:     logger,
		events:     events,
	}
}

// Start opens one consumer per outbound queue. The goroutines exit when
// the underlying consume channels close, which happens when the queue
// connection is shut down.
func (e *MailEgress) Start() error {
	payloadRecords, err := e.queue.Consume(e.config.PayloadOutQueue)
	if err != nil {
		return errors.Wrapf(err, "failed to consume %s", e.config.PayloadOutQueue)
	}
	signalRecords, err := e.queue.Consume(e.config.SignalOutQueue)
	if err != nil {
		return errors.Wrapf(err, "failed to consume %s", e.config.SignalOutQueue)
	}

	e.wg.Add(2)
	go e.consumeLoop(e.config.PayloadOutQueue, payloadRecords, e.handlePayloadRecord)
	go e.consumeLoop(e.config.SignalOutQueue, signalRecords, e.handleSignalRecord)
	return nil
}

// Wait blocks until both consumer loops have exited.
func (e *MailEgress) Wait() {
	e.wg.Wait()
}

func (e *MailEgress) consumeLoop(queue string, records <-chan QueueRecord,
	handle func(QueueRecord) error) {
	defer e.wg.Done()
	for record := range records {
		if err := handle(record); err != nil {
			e.logger.Errorf("failed to handle record %s from %s: %+v", record.Key, queue, err)
		}
	}
	e.logger.Infow("consumer stopped", "queue", queue)
}

// handlePayloadRecord sends one payload message. A record whose key is
// not a uuid can never succeed and is dropped; a failed send is requeued
// for a later attempt. A failed payload fetch still sends the envelope,
// so the receiving party learns about the message even when the
// attachments are gone.
func (e *MailEgress) handlePayloadRecord(record QueueRecord) error {
	referenceID, err := uuid.Parse(record.Key)
	if err != nil {
		e.logger.Errorw("dropping record with malformed reference id",
			"key", record.Key,
			"error", err)
		return record.Reject(false)
	}
	e.events.MessageReadFromQueue(referenceID, e.config.PayloadOutQueue)

	payloads, err := e.payloads.GetPayloads(referenceID)
	if err != nil {
		e.events.PayloadFetchFailed(referenceID, err)
		payloads = nil
	}
	for _, p := range payloads {
		e.events.PayloadFetched(referenceID, p.ContentID)
	}

	qm := PayloadMessage{MessageID: referenceID, Envelope: record.Value, Payloads: payloads}
	return e.finishRecord(record, recordMetadata(record, e.logger), qm)
}

func (e *MailEgress) handleSignalRecord(record QueueRecord) error {
	referenceID, err := uuid.Parse(record.Key)
	if err != nil {
		e.logger.Errorw("dropping record with malformed reference id",
			"key", record.Key,
			"error", err)
		return record.Reject(false)
	}
	e.events.MessageReadFromQueue(referenceID, e.config.SignalOutQueue)

	qm := SignalMessage{MessageID: referenceID, Envelope: record.Value}
	return e.finishRecord(record, recordMetadata(record, e.logger), qm)
}

func (e *MailEgress) finishRecord(record QueueRecord, metadata MailMetadata, qm QueueMessage) error {
	if err := e.dispatcher.Send(metadata, qm); err != nil {
		return appendError(err, record.Reject(true))
	}
	return record.Ack()
}
