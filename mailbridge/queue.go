package mailbridge

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Record header names carrying mail metadata across the queue.
const (
	headerEmailAddresses = "emailAddresses"
	headerSubject        = "subject"
	headerSenderAddress  = "senderAddress"
)

// QueueRecord is one consumed record: key (the reference id in string
// form), the raw envelope bytes and the metadata headers. Ack and Reject
// settle the record with the broker.
type QueueRecord struct {
	Key     string
	Value   []byte
	Headers amqp.Table

	delivery amqp.Delivery
}

// Ack acknowledges the record.
func (r QueueRecord) Ack() error {
	return errors.WithStack(r.delivery.Ack(false))
}

// Reject settles the record negatively, optionally requeueing it for
// redelivery.
func (r QueueRecord) Reject(requeue bool) error {
	return errors.WithStack(r.delivery.Reject(requeue))
}

// QueueBridge publishes envelope messages to the inbound queues and
// consumes from the outbound ones over a single AMQP connection. The
// underlying channel objects are not shared across goroutines; the bridge
// opens one channel for publishing and one per consumer.
type QueueBridge struct {
	conn     *amqp.Connection
	exchange string
	pub      *amqp.Channel
	logger   *zap.SugaredLogger
	events   EventSink
}

// NewQueueBridge dials the broker and declares the exchange and the four
// queues with their bindings.
func NewQueueBridge(config *Config, logger *zap.SugaredLogger, events EventSink) (*QueueBridge, error) {
	conn, err := amqp.Dial(config.AmqpURI)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial broker")
	}

	channel, err := conn.Channel()
	if err != nil {
		err2 := conn.Close()
		return nil, appendError(errors.WithStack(err), errors.WithStack(err2))
	}

	bridge := &QueueBridge{
		conn:     conn,
		exchange: config.Exchange,
		pub:      channel,
		logger:   logger,
		events:   events,
	}

	queues := []string{
		config.PayloadInQueue,
		config.SignalInQueue,
		config.PayloadOutQueue,
		config.SignalOutQueue,
	}
	if err := bridge.declareTopology(channel, queues); err != nil {
		err2 := conn.Close()
		return nil, appendError(err, errors.WithStack(err2))
	}
	return bridge, nil
}

func (b *QueueBridge) declareTopology(channel *amqp.Channel, queues []string) error {
	err := channel.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to declare exchange %s", b.exchange)
	}
	for _, queue := range queues {
		if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "failed to declare queue %s", queue)
		}
		if err := channel.QueueBind(queue, queue, b.exchange, false, nil); err != nil {
			return errors.Wrapf(err, "failed to bind queue %s", queue)
		}
	}
	return nil
}

// Close tears down the broker connection.
func (b *QueueBridge) Close() error {
	return errors.WithStack(b.conn.Close())
}

// Publish sends an envelope to a queue. The record key is the reference
// id in UUID string form; mail metadata travels as record headers.
func (b *QueueBridge) Publish(queue string, key uuid.UUID, envelope []byte, metadata MailMetadata) error {
	err := b.pub.Publish(
		b.exchange,
		queue, // routing key matches the queue binding
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			MessageId:    key.String(),
			Body:         envelope,
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/octet-stream",
			Headers: amqp.Table{
				headerSenderAddress:  metadata.SenderAddress,
				headerEmailAddresses: metadata.RecipientAddress,
				headerSubject:        metadata.Subject,
			},
		},
	)
	if err != nil {
		b.events.PublishFailed(key, queue, err)
		return errors.Wrapf(err, "failed to publish message %s to %s", key, queue)
	}

	b.logger.Infow("published message",
		"referenceId", key,
		"queue", queue)
	b.events.MessagePublished(key, queue)
	return nil
}

// Consume opens a dedicated channel on the queue and returns a record
// stream. Records require explicit Ack or Reject; the stream closes when
// the connection drops.
func (b *QueueBridge) Consume(queue string) (<-chan QueueRecord, error) {
	channel, err := b.conn.Channel()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := channel.Qos(1, 0, false); err != nil {
		return nil, errors.WithStack(err)
	}

	deliveries, err := channel.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to consume queue %s", queue)
	}

	records := make(chan QueueRecord)
	go func() {
		defer close(records)
		for delivery := range deliveries {
			records <- QueueRecord{
				Key:      delivery.MessageId,
				Value:    delivery.Body,
				Headers:  delivery.Headers,
				delivery: delivery,
			}
		}
	}()
	return records, nil
}

// recordMetadata decodes the mail metadata headers of a record. A missing
// or non-string header decodes to "" with a warning; absence never fails
// the record.
func recordMetadata(record QueueRecord, logger *zap.SugaredLogger) MailMetadata {
	return MailMetadata{
		RecipientAddress: recordHeader(record, headerEmailAddresses, logger),
		Subject:          recordHeader(record, headerSubject, logger),
		SenderAddress:    recordHeader(record, headerSenderAddress, logger),
	}
}

func recordHeader(record QueueRecord, name string, logger *zap.SugaredLogger) string {
	value, found := record.Headers[name]
	if !found {
		logger.Warnw("record header absent",
			"header", name,
			"key", record.Key)
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		logger.Warnw("record header has unexpected type",
			"header", name,
			"key", record.Key)
		return ""
	}
}
