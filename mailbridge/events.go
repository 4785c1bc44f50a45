package mailbridge

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventSink receives one call per pipeline state transition. Events are a
// fire-and-forget audit trail; implementations must not return errors or
// block the pipeline.
type EventSink interface {
	MessageReceived(requestID uuid.UUID, sender, subject string)
	MessageReceiveFailed(err error)
	MessagePublished(referenceID uuid.UUID, queue string)
	PublishFailed(referenceID uuid.UUID, queue string, err error)
	PayloadInserted(ref PayloadRef)
	DuplicatePayload(referenceID uuid.UUID, contentID string)
	MessageReadFromQueue(referenceID uuid.UUID, queue string)
	PayloadFetched(referenceID uuid.UUID, contentID string)
	PayloadFetchFailed(referenceID uuid.UUID, err error)
	MessageSent(messageID uuid.UUID)
	SendFailed(messageID uuid.UUID, err error)
	MessageRelayed(requestID uuid.UUID, address string)
}

type logEventSink struct {
	logger *zap.SugaredLogger
}

// NewLogEventSink returns an EventSink writing structured log entries.
func NewLogEventSink(logger *zap.SugaredLogger) EventSink {
	return &logEventSink{logger: logger}
}

func (s *logEventSink) MessageReceived(requestID uuid.UUID, sender, subject string) {
	s.logger.Infow("message received via smtp",
		"requestId", requestID,
		"sender", sender,
		"subject", subject)
}

func (s *logEventSink) MessageReceiveFailed(err error) {
	s.logger.Errorw("error while receiving message via smtp",
		"error", err)
}

func (s *logEventSink) MessagePublished(referenceID uuid.UUID, queue string) {
	s.logger.Infow("message placed in queue",
		"referenceId", referenceID,
		"queue", queue)
}

func (s *logEventSink) PublishFailed(referenceID uuid.UUID, queue string, err error) {
	s.logger.Errorw("error while storing message in queue",
		"referenceId", referenceID,
		"queue", queue,
		"error", err)
}

func (s *logEventSink) PayloadInserted(ref PayloadRef) {
	s.logger.Infow("payload stored",
		"referenceId", ref.ReferenceID,
		"contentId", ref.ContentID)
}

func (s *logEventSink) DuplicatePayload(referenceID uuid.UUID, contentID string) {
	s.logger.Warnw("payload already stored",
		"referenceId", referenceID,
		"contentId", contentID)
}

func (s *logEventSink) MessageReadFromQueue(referenceID uuid.UUID, queue string) {
	s.logger.Infow("message read from queue",
		"referenceId", referenceID,
		"queue", queue)
}

func (s *logEventSink) PayloadFetched(referenceID uuid.UUID, contentID string) {
	s.logger.Infow("payload received via http",
		"referenceId", referenceID,
		"contentId", contentID)
}

func (s *logEventSink) PayloadFetchFailed(referenceID uuid.UUID, err error) {
	s.logger.Errorw("error while receiving payload via http",
		"referenceId", referenceID,
		"error", err)
}

func (s *logEventSink) MessageSent(messageID uuid.UUID) {
	s.logger.Infow("message sent via smtp",
		"messageId", messageID)
}

func (s *logEventSink) SendFailed(messageID uuid.UUID, err error) {
	s.logger.Errorw("error while sending message via smtp",
		"messageId", messageID,
		"error", err)
}

func (s *logEventSink) MessageRelayed(requestID uuid.UUID, address string) {
	s.logger.Infow("message relayed",
		"requestId", requestID,
		"address", address)
}

// nopEventSink discards all events. Used in tests.
type nopEventSink struct{}

func (nopEventSink) MessageReceived(uuid.UUID, string, string)   {}
func (nopEventSink) MessageReceiveFailed(error)                  {}
func (nopEventSink) MessagePublished(uuid.UUID, string)          {}
func (nopEventSink) PublishFailed(uuid.UUID, string, error)      {}
func (nopEventSink) PayloadInserted(PayloadRef)                  {}
func (nopEventSink) DuplicatePayload(uuid.UUID, string)          {}
func (nopEventSink) MessageReadFromQueue(uuid.UUID, string)      {}
func (nopEventSink) PayloadFetched(uuid.UUID, string)            {}
func (nopEventSink) PayloadFetchFailed(uuid.UUID, error)         {}
func (nopEventSink) MessageSent(uuid.UUID)                       {}
func (nopEventSink) SendFailed(uuid.UUID, error)                 {}
func (nopEventSink) MessageRelayed(uuid.UUID, string)            {}
