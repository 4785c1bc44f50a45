package mailbridge

import (
	"encoding/base64"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/chrj/smtpd"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const testAcceptedService = "urn:example:service:dialog"

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// serviceEnvelope builds a minimal ebXML envelope declaring one service.
func serviceEnvelope(service string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>` +
		`<SOAP:Envelope xmlns:SOAP="http://schemas.xmlsoap.org/soap/envelope/">` +
		`<SOAP:Header>` +
		`<eb:MessageHeader xmlns:eb="http://www.oasis-open.org/committees/ebxml-msg/schema/msg-header-2_0.xsd">` +
		`<eb:Service>` + service + `</eb:Service>` +
		`<eb:Action>Dialog</eb:Action>` +
		`</eb:MessageHeader>` +
		`</SOAP:Header>` +
		`</SOAP:Envelope>`
}

// sampleSignalMail builds a single-part base64 text/xml message.
func sampleSignalMail(from, subject, envelope string) []byte {
	return []byte("From: " + from + "\r\n" +
		"To: bridge@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/xml\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		base64.StdEncoding.EncodeToString([]byte(envelope)) + "\r\n")
}

type sampleAttachment struct {
	contentID   string
	contentType string
	content     string
}

// samplePayloadMail builds a multipart/related message with the envelope
// as the start part followed by the given attachments.
func samplePayloadMail(from, subject, envelope string, attachments []sampleAttachment) []byte {
	const boundary = "f00fb0undary"

	body := "From: " + from + "\r\n" +
		"To: bridge@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		`Content-Type: multipart/related; boundary="` + boundary + `"; ` +
		`type="text/xml"; start="<envelope-part>"` + "\r\n" +
		"\r\n"

	writePart := func(contentID, contentType, content string) {
		body += "--" + boundary + "\r\n" +
			"Content-Type: " + contentType + "\r\n" +
			"Content-Id: <" + contentID + ">\r\n" +
			"Content-Transfer-Encoding: base64\r\n" +
			"\r\n" +
			base64.StdEncoding.EncodeToString([]byte(content)) + "\r\n"
	}

	writePart("envelope-part", "text/xml", envelope)
	for _, att := range attachments {
		writePart(att.contentID, att.contentType, att.content)
	}
	body += "--" + boundary + "--\r\n"
	return []byte(body)
}

// fakeFolder is an in-memory Folder. Sequence numbers are 1-based over
// the messages slice, which only grows, matching a mailbox that receives
// mail mid-drain.
type fakeFolder struct {
	mu       sync.Mutex
	messages [][]byte
	marked   []int
	closed   bool
	expunged bool

	countErr error
	fetchErr error
}

func (f *fakeFolder) Count() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return len(f.messages), nil
}

func (f *fakeFolder) Fetch(start, end int) ([]RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var fetched []RawMessage
	for seq := start; seq <= end && seq <= len(f.messages); seq++ {
		fetched = append(fetched, RawMessage{SeqNum: seq, Data: f.messages[seq-1]})
	}
	return fetched, nil
}

func (f *fakeFolder) MarkDeleted(seqNums []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, seqNums...)
	return nil
}

func (f *fakeFolder) Close(expunge bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.expunged = expunge
	return nil
}

func (f *fakeFolder) add(raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, raw)
}

// memStore is an in-memory PayloadStore enforcing the same uniqueness as
// the database constraint.
type memStore struct {
	mu        sync.Mutex
	rows      map[uuid.UUID][]Payload
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{rows: map[uuid.UUID][]Payload{}}
}

func (s *memStore) Insert(payloads []Payload) ([]PayloadRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}

	// mirror the transactional contract: a duplicate fails the whole batch
	for _, p := range payloads {
		for _, existing := range s.rows[p.ReferenceID] {
			if existing.ContentID == p.ContentID {
				return nil, &PayloadAlreadyExists{
					ReferenceID: p.ReferenceID,
					ContentID:   p.ContentID,
				}
			}
		}
	}

	var refs []PayloadRef
	for _, p := range payloads {
		s.rows[p.ReferenceID] = append(s.rows[p.ReferenceID], p)
		refs = append(refs, PayloadRef{ReferenceID: p.ReferenceID, ContentID: p.ContentID})
	}
	return refs, nil
}

func (s *memStore) Retrieve(referenceID uuid.UUID) ([]Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payloads := s.rows[referenceID]
	if len(payloads) == 0 {
		return nil, &PayloadNotFound{ReferenceID: referenceID.String()}
	}
	return payloads, nil
}

func (s *memStore) RetrieveOne(referenceID uuid.UUID, contentID string) (*Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.rows[referenceID] {
		if p.ContentID == contentID {
			return &p, nil
		}
	}
	return nil, &PayloadNotFound{ReferenceID: referenceID.String()}
}

type publishedRecord struct {
	queue    string
	key      uuid.UUID
	envelope []byte
	metadata MailMetadata
}

// stubPublisher records Publish calls.
type stubPublisher struct {
	mu        sync.Mutex
	published []publishedRecord
	err       error
}

func (p *stubPublisher) Publish(queue string, key uuid.UUID, envelope []byte, metadata MailMetadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedRecord{queue, key, envelope, metadata})
	return nil
}

// stubDispatcher records Send and Relay calls.
type stubDispatcher struct {
	mu       sync.Mutex
	sent     []QueueMessage
	metadata []MailMetadata
	relayed  []*EmailMsg
	sendErr  error
	relayErr error
}

func (d *stubDispatcher) Send(metadata MailMetadata, qm QueueMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, qm)
	d.metadata = append(d.metadata, metadata)
	return nil
}

func (d *stubDispatcher) Relay(msg *EmailMsg) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.relayErr != nil {
		return d.relayErr
	}
	d.relayed = append(d.relayed, msg)
	return nil
}

// smtpSink runs an in-process SMTP server collecting delivered envelopes.
type smtpSink struct {
	mu        sync.Mutex
	envelopes []*smtpd.Envelope
	fail      bool
	stopper   chan bool
}

func newSMTPSink(t *testing.T, addr string, fail bool) *smtpSink {
	sink := &smtpSink{fail: fail, stopper: make(chan bool)}
	server := &smtpd.Server{Handler: sink.handleMail}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("cannot listen on %s: %v", addr, err)
	}

	go func() {
		defer close(sink.stopper)
		<-sink.stopper
		_ = l.Close()
	}()
	go func() {
		_ = server.Serve(l)
	}()
	return sink
}

func (s *smtpSink) handleMail(peer smtpd.Peer, env smtpd.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("simulated smtp error")
	}
	s.envelopes = append(s.envelopes, &env)
	return nil
}

func (s *smtpSink) sent() []*smtpd.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*smtpd.Envelope{}, s.envelopes...)
}

func (s *smtpSink) Fini() {
	s.stopper <- true
}
