package mailbridge

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/require"
)

// fakeAcknowledger records how a delivery was settled.
type fakeAcknowledger struct {
	acked    bool
	rejected bool
	requeued bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.rejected = true
	a.requeued = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.rejected = true
	a.requeued = requeue
	return nil
}

func testRecord(key string, value []byte, headers amqp.Table) (QueueRecord, *fakeAcknowledger) {
	ack := &fakeAcknowledger{}
	return QueueRecord{
		Key:      key,
		Value:    value,
		Headers:  headers,
		delivery: amqp.Delivery{Acknowledger: ack},
	}, ack
}

type fakeFetcher struct {
	payloads []Payload
	err      error
	calls    []uuid.UUID
}

func (f *fakeFetcher) GetPayloads(referenceID uuid.UUID) ([]Payload, error) {
	f.calls = append(f.calls, referenceID)
	if f.err != nil {
		return nil, f.err
	}
	return f.payloads, nil
}

func newEgressHarness(t *testing.T, fetcher *fakeFetcher, dispatcher *stubDispatcher) *MailEgress {
	config, err := ParseConfig("")
	require.Nil(t, err)
	return NewMailEgress(config, nil, fetcher, dispatcher, testLogger(), nopEventSink{})
}

func TestHandlePayloadRecord(t *testing.T) {
	referenceID := uuid.New()
	fetcher := &fakeFetcher{payloads: []Payload{
		{ReferenceID: referenceID, ContentID: "doc-1", ContentType: "text/plain", Content: []byte("x")},
	}}
	dispatcher := &stubDispatcher{}
	egress := newEgressHarness(t, fetcher, dispatcher)

	record, ack := testRecord(referenceID.String(), []byte("<env/>"), amqp.Table{
		headerEmailAddresses: "partner@example.com",
		headerSubject:        "Dialog",
		headerSenderAddress:  "edi@example.com",
	})

	require.Nil(t, egress.handlePayloadRecord(record))

	require.Equal(t, []uuid.UUID{referenceID}, fetcher.calls)
	require.Equal(t, 1, len(dispatcher.sent))

	qm, ok := dispatcher.sent[0].(PayloadMessage)
	require.True(t, ok)
	require.Equal(t, referenceID, qm.MessageID)
	require.Equal(t, "<env/>", string(qm.Envelope))
	require.Equal(t, fetcher.payloads, qm.Payloads)

	require.Equal(t, "partner@example.com", dispatcher.metadata[0].RecipientAddress)
	require.Equal(t, "Dialog", dispatcher.metadata[0].Subject)

	require.True(t, ack.acked)
	require.False(t, ack.rejected)
}

// A failed payload fetch still sends the envelope.
func TestHandlePayloadRecordFetchFailure(t *testing.T) {
	referenceID := uuid.New()
	fetcher := &fakeFetcher{err: &PayloadNotFound{ReferenceID: referenceID.String()}}
	dispatcher := &stubDispatcher{}
	egress := newEgressHarness(t, fetcher, dispatcher)

	record, ack := testRecord(referenceID.String(), []byte("<env/>"), amqp.Table{})

	require.Nil(t, egress.handlePayloadRecord(record))

	require.Equal(t, 1, len(dispatcher.sent))
	qm := dispatcher.sent[0].(PayloadMessage)
	require.Empty(t, qm.Payloads)
	require.True(t, ack.acked)
}

func TestHandlePayloadRecordMalformedKey(t *testing.T) {
	fetcher := &fakeFetcher{}
	dispatcher := &stubDispatcher{}
	egress := newEgressHarness(t, fetcher, dispatcher)

	record, ack := testRecord("not-a-uuid", []byte("<env/>"), amqp.Table{})

	require.Nil(t, egress.handlePayloadRecord(record))

	// unparseable keys can never succeed; drop without requeue
	require.Empty(t, fetcher.calls)
	require.Empty(t, dispatcher.sent)
	require.True(t, ack.rejected)
	require.False(t, ack.requeued)
}

func TestHandlePayloadRecordSendFailureRequeues(t *testing.T) {
	referenceID := uuid.New()
	fetcher := &fakeFetcher{}
	dispatcher := &stubDispatcher{sendErr: errors.New("smtp down")}
	egress := newEgressHarness(t, fetcher, dispatcher)

	record, ack := testRecord(referenceID.String(), []byte("<env/>"), amqp.Table{})

	require.NotNil(t, egress.handlePayloadRecord(record))
	require.True(t, ack.rejected)
	require.True(t, ack.requeued)
}

func TestHandleSignalRecord(t *testing.T) {
	referenceID := uuid.New()
	dispatcher := &stubDispatcher{}
	egress := newEgressHarness(t, &fakeFetcher{}, dispatcher)

	record, ack := testRecord(referenceID.String(), []byte("<ack/>"), amqp.Table{
		headerEmailAddresses: "partner@example.com",
	})

	require.Nil(t, egress.handleSignalRecord(record))

	require.Equal(t, 1, len(dispatcher.sent))
	qm, ok := dispatcher.sent[0].(SignalMessage)
	require.True(t, ok)
	require.Equal(t, "<ack/>", string(qm.Envelope))
	require.True(t, ack.acked)
}

type stubConsumer struct {
	records map[string]chan QueueRecord
}

func (c *stubConsumer) Consume(queue string) (<-chan QueueRecord, error) {
	return c.records[queue], nil
}

// Wait must return once the delivery streams close, after in-flight
// records were handled.
func TestEgressStartAndWait(t *testing.T) {
	config, err := ParseConfig("")
	require.Nil(t, err)

	dispatcher := &stubDispatcher{}
	consumer := &stubConsumer{records: map[string]chan QueueRecord{
		config.PayloadOutQueue: make(chan QueueRecord, 1),
		config.SignalOutQueue:  make(chan QueueRecord, 1),
	}}
	egress := NewMailEgress(config, consumer, &fakeFetcher{}, dispatcher,
		testLogger(), nopEventSink{})

	record, ack := testRecord(uuid.New().String(), []byte("<ack/>"), amqp.Table{})
	consumer.records[config.SignalOutQueue] <- record

	require.Nil(t, egress.Start())

	close(consumer.records[config.PayloadOutQueue])
	close(consumer.records[config.SignalOutQueue])

	done := make(chan struct{})
	go func() {
		egress.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("egress consumers did not stop after the streams closed")
	}

	require.Equal(t, 1, len(dispatcher.sent))
	require.True(t, ack.acked)
}

func TestHandleSignalRecordSendFailureRequeues(t *testing.T) {
	referenceID := uuid.New()
	dispatcher := &stubDispatcher{sendErr: errors.New("smtp down")}
	egress := newEgressHarness(t, &fakeFetcher{}, dispatcher)

	record, ack := testRecord(referenceID.String(), []byte("<ack/>"), amqp.Table{})

	require.NotNil(t, egress.handleSignalRecord(record))
	require.True(t, ack.rejected)
	require.True(t, ack.requeued)
}
