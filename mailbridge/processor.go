package mailbridge

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// envelopePublisher is the slice of the queue bridge the ingestion
// pipeline needs.
type envelopePublisher interface {
	Publish(queue string, key uuid.UUID, envelope []byte, metadata MailMetadata) error
}

// relayer is the slice of the dispatcher the ingestion pipeline needs.
type relayer interface {
	Relay(msg *EmailMsg) error
}

// MailProcessor runs the ingestion pipeline: drain the mailbox in
// batches, classify each message, and hand it to the queue, the relay, or
// both. The mailbox connection is used by exactly one drain at a time;
// per-message processing within a drain fans out over a bounded worker
// pool.
type MailProcessor struct {
	config     *Config
	classifier *Classifier
	store      PayloadStore
	publisher  envelopePublisher
	dispatcher relayer
	openFolder func() (Folder, error)
	logger     *zap.SugaredLogger
	events     EventSink
}

// NewMailProcessor wires the ingestion pipeline.
func NewMailProcessor(config *Config, classifier *Classifier, store PayloadStore,
	publisher envelopePublisher, dispatcher relayer, openFolder func() (Folder, error),
	logger *zap.SugaredLogger, events EventSink) *MailProcessor {
	return &MailProcessor{
		config:     config,
		classifier: classifier,
		store:      store,
		publisher:  publisher,
		dispatcher: dispatcher,
		openFolder: openFolder,
		logger:     logger,
		events:     events,
	}
}

// DrainOnce reads the whole inbox in batches and processes every message.
// The error return covers mailbox protocol failures only; per-message
// failures are logged and skipped.
func (p *MailProcessor) DrainOnce() (rerr error) {
	folder, err := p.openFolder()
	if err != nil {
		return errors.Wrap(err, "failed to open mailbox")
	}

	reader := NewMailReader(folder, p.config.InboxLimit, p.config.ExpungeAlways, p.logger, p.events)
	defer func() {
		rerr = appendError(rerr, reader.Close())
	}()

	count, err := reader.Count()
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	p.logger.Infow("starting to read messages from inbox", "count", count)

	timeStart := time.Now()
	processed := 0
	for {
		batch, fetched, err := reader.ReadBatch(p.config.BatchSize)
		if err != nil {
			return err
		}
		// a window can fetch messages yet decode none of them; only an
		// empty window means the folder is drained
		if fetched == 0 {
			break
		}
		if len(batch) > 0 {
			p.processBatch(batch)
			processed += len(batch)
		}
	}

	p.logger.Infow("finished reading and processing all messages",
		"count", processed,
		"elapsed", time.Since(timeStart))
	return nil
}

// processBatch fans messages out over the worker pool and waits for all
// of them.
func (p *MailProcessor) processBatch(batch []*EmailMsg) {
	workers := p.config.Workers
	if workers <= 0 {
		workers = 1
	}

	work := make(chan *EmailMsg)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range work {
				if err := p.processMessage(msg); err != nil {
					p.logger.Errorf("failed to process message %s: %+v", msg.RequestID, err)
				}
			}
		}()
	}
	for _, msg := range batch {
		work <- msg
	}
	close(work)
	wg.Wait()
}

func (p *MailProcessor) processMessage(msg *EmailMsg) error {
	system := p.classifier.Classify(msg)
	p.logger.Infow("forwarding message",
		"system", system.String(),
		"sender", msg.SenderAddress,
		"subject", headerValue(msg.Headers, "Subject"))

	switch system {
	case ForwardPrimary:
		return p.publishToQueue(msg)
	case ForwardSecondary:
		return p.dispatcher.Relay(msg)
	case ForwardBoth:
		return appendError(p.publishToQueue(msg), p.dispatcher.Relay(msg))
	}
	return errors.Newf("unhandled forwarding system %d", system)
}

// publishToQueue converts the message to its queue form and publishes it.
// For payload messages the attachments are persisted first, so a consumer
// seeing the envelope can always fetch them. A duplicate payload means
// the message is a redelivery: the publish still happens, since
// downstream consumers already tolerate at-least-once delivery. Any other
// insert failure suppresses the publish.
func (p *MailProcessor) publishToQueue(msg *EmailMsg) error {
	qm, err := ToQueueMessage(msg, msg.RequestID)
	if err != nil {
		return errors.Wrapf(err, "failed to convert message %s", msg.RequestID)
	}

	metadata := MailMetadata{
		RecipientAddress: headerValue(msg.Headers, "To"),
		Subject:          headerValue(msg.Headers, "Subject"),
		SenderAddress:    msg.SenderAddress,
	}

	switch m := qm.(type) {
	case SignalMessage:
		return p.publisher.Publish(p.config.SignalInQueue, m.MessageID, m.Envelope, metadata)
	case PayloadMessage:
		if err := p.insertPayloads(m); err != nil {
			return err
		}
		return p.publisher.Publish(p.config.PayloadInQueue, m.MessageID, m.Envelope, metadata)
	}
	return errors.Newf("unhandled queue message type %T", qm)
}

func (p *MailProcessor) insertPayloads(m PayloadMessage) error {
	refs, err := p.store.Insert(m.Payloads)
	if err != nil {
		var dup *PayloadAlreadyExists
		if errors.As(err, &dup) {
			p.events.DuplicatePayload(dup.ReferenceID, dup.ContentID)
			return nil
		}
		return errors.Wrapf(err, "could not insert payloads for message %s", m.MessageID)
	}
	for _, ref := range refs {
		p.events.PayloadInserted(ref)
	}
	return nil
}
