package mailbridge

import (
	"fmt"
	"net/smtp"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MailDispatcher turns queue messages back into deliverable email and
// relays original messages byte-identically to the legacy system.
type MailDispatcher struct {
	config *Config
	logger *zap.SugaredLogger
	events EventSink
}

// NewMailDispatcher builds a dispatcher over the configured SMTP server.
func NewMailDispatcher(config *Config, logger *zap.SugaredLogger, events EventSink) *MailDispatcher {
	return &MailDispatcher{config: config, logger: logger, events: events}
}

// Send reconstructs a MIME message from a queue message and ships it. A
// transport failure is terminal for this attempt; redelivery is the queue
// layer's concern.
func (d *MailDispatcher) Send(metadata MailMetadata, qm QueueMessage) error {
	var messageID uuid.UUID
	switch m := qm.(type) {
	case SignalMessage:
		messageID = m.MessageID
	case PayloadMessage:
		messageID = m.MessageID
	default:
		return errors.Newf("unhandled queue message type %T", qm)
	}

	msg, recipient, err := BuildMimeMessage(d.config, metadata, qm)
	if err != nil {
		d.events.SendFailed(messageID, err)
		return err
	}

	err = sendSMTP(d.smtpServer(), d.config.FromAddress, []string{recipient}, msg)
	if err != nil {
		d.logger.Errorf("failed to send message %s: %+v", messageID, err)
		d.events.SendFailed(messageID, err)
		return err
	}

	d.logger.Infow("sent message",
		"messageId", messageID,
		"recipient", recipient)
	d.events.MessageSent(messageID)
	return nil
}

// Relay forwards the original, unmodified message bytes to the fixed
// relay address.
func (d *MailDispatcher) Relay(msg *EmailMsg) error {
	if d.config.RelayAddress == "" {
		return errors.New("no relay address configured")
	}

	envelopeFrom := msg.SenderAddress
	if envelopeFrom == "" {
		envelopeFrom = d.config.FromAddress
	}

	err := sendSMTP(d.smtpServer(), envelopeFrom, []string{d.config.RelayAddress}, msg.Raw)
	if err != nil {
		d.events.SendFailed(msg.RequestID, err)
		return errors.Wrapf(err, "failed to relay message %s", msg.RequestID)
	}

	d.logger.Infow("message forwarded",
		"requestId", msg.RequestID,
		"address", d.config.RelayAddress)
	d.events.MessageRelayed(msg.RequestID, d.config.RelayAddress)
	return nil
}

func (d *MailDispatcher) smtpServer() string {
	return fmt.Sprintf("%s:%d", d.config.SMTPHost, d.config.SMTPPort)
}

// sendSMTP ships a message to the specified SMTP server.
func sendSMTP(smtpServer, from string, recipients []string, msg []byte) (rerr error) {
	clnt, err := smtp.Dial(smtpServer)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		err := clnt.Quit()
		if err != nil {
			rerr = appendError(rerr, errors.WithStack(err))
		}
	}()

	err = clnt.Hello("localhost")
	if err != nil {
		return errors.WithStack(err)
	}

	err = clnt.Mail(from)
	if err != nil {
		return errors.WithStack(err)
	}

	for _, rcpt := range recipients {
		err = clnt.Rcpt(rcpt)
		if err != nil {
			return errors.WithStack(err)
		}
	}

	w, err := clnt.Data()
	if err != nil {
		return errors.WithStack(err)
	}

	nwritten := 0
	for {
		n, err := w.Write(msg[nwritten:])
		if err != nil {
			return errors.WithStack(err)
		}
		if nwritten+n == len(msg) {
			break
		}
		nwritten += n
	}

	return errors.WithStack(w.Close())
}
