package mailbridge

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	contentTypeTextXML = "text/xml"

	headerSOAPAction = "SOAPAction"
	headerXMailer    = "X-Mailer"

	soapActionEbXML = `"ebXML"`
	xMailerMarker   = "Mailbridge EBMS"
)

// Payload is one binary attachment extracted from a multipart message,
// addressable by content id within a reference id.
type Payload struct {
	ReferenceID uuid.UUID `json:"referenceId"`
	ContentID   string    `json:"contentId"`
	ContentType string    `json:"contentType"`
	Content     []byte    `json:"content"`
}

// MailMetadata travels alongside a queue message in record headers and is
// only used to address the outbound mail.
type MailMetadata struct {
	RecipientAddress string
	Subject          string
	SenderAddress    string
}

// QueueMessage is the closed set of envelope-bearing message variants:
// SignalMessage for single-part mail, PayloadMessage for multipart mail.
type QueueMessage interface {
	queueMessage()
}

// SignalMessage carries only an envelope.
type SignalMessage struct {
	MessageID uuid.UUID
	Envelope  []byte
}

func (SignalMessage) queueMessage() {}

// PayloadMessage carries an envelope plus its extracted attachments.
type PayloadMessage struct {
	MessageID uuid.UUID
	Envelope  []byte
	Payloads  []Payload
}

func (PayloadMessage) queueMessage() {}

// ToQueueMessage converts a decomposed message into its queue form: the
// first part becomes the envelope, remaining parts become payloads keyed
// by messageId. Attachment parts must carry Content-Id and Content-Type
// headers.
func ToQueueMessage(msg *EmailMsg, messageID uuid.UUID) (QueueMessage, error) {
	if len(msg.Parts) == 0 {
		return nil, errors.New("message has no parts")
	}
	envelope := msg.Parts[0].Bytes

	if len(msg.Parts) == 1 {
		return SignalMessage{MessageID: messageID, Envelope: envelope}, nil
	}

	payloads := make([]Payload, 0, len(msg.Parts)-1)
	for _, part := range msg.Parts[1:] {
		payload, err := toPayload(part, messageID)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	return PayloadMessage{MessageID: messageID, Envelope: envelope, Payloads: payloads}, nil
}

func toPayload(part Part, referenceID uuid.UUID) (Payload, error) {
	contentID, err := mandatoryHeader(part, headerContentID)
	if err != nil {
		return Payload{}, err
	}
	contentType, err := mandatoryHeader(part, headerContentType)
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		ReferenceID: referenceID,
		ContentID:   stripAngleBrackets(contentID),
		ContentType: contentType,
		Content:     part.Bytes,
	}, nil
}

func mandatoryHeader(part Part, name string) (string, error) {
	value := headerValue(part.Headers, name)
	if value == "" {
		return "", errors.Newf("attachment part missing %s header", name)
	}
	return value, nil
}

func stripAngleBrackets(value string) string {
	return strings.TrimSuffix(strings.TrimPrefix(value, "<"), ">")
}

// BuildMimeMessage reassembles a queue message into a deliverable MIME
// email. It returns the wire bytes and the resolved recipient. Signal
// messages become a base64-encoded text/xml body; payload messages become
// multipart/related with the envelope as the start part and one part per
// payload, content ids preserved.
func BuildMimeMessage(config *Config, metadata MailMetadata, qm QueueMessage) ([]byte, string, error) {
	recipient := resolveRecipient(config, metadata)
	if recipient == "" {
		return nil, "", errors.New("queue message has no recipient address")
	}

	var buf bytes.Buffer
	writeHeader(&buf, "From", config.FromAddress)
	writeHeader(&buf, "To", recipient)
	writeHeader(&buf, "Subject", metadata.Subject)
	writeHeader(&buf, headerSOAPAction, soapActionEbXML)
	writeHeader(&buf, headerXMailer, xMailerMarker)
	writeHeader(&buf, "MIME-Version", "1.0")

	var err error
	switch m := qm.(type) {
	case SignalMessage:
		err = writeSignalBody(&buf, m)
	case PayloadMessage:
		err = writePayloadBody(&buf, m)
	default:
		err = errors.Newf("unhandled queue message type %T", qm)
	}
	if err != nil {
		return nil, "", err
	}
	return buf.Bytes(), recipient, nil
}

func writeSignalBody(buf *bytes.Buffer, m SignalMessage) error {
	writeHeader(buf, headerContentType, contentTypeTextXML)
	writeHeader(buf, headerContentTransferEncoding, encodingBase64)
	buf.WriteString("\r\n")
	writeBase64(buf, m.Envelope)
	return nil
}

func writePayloadBody(buf *bytes.Buffer, m PayloadMessage) error {
	body := bytes.NewBuffer(nil)
	writer := multipart.NewWriter(body)

	mainContentID := uuid.New().String()
	contentType := mime.FormatMediaType("multipart/related", map[string]string{
		"boundary": writer.Boundary(),
		"type":     contentTypeTextXML,
		"start":    "<" + mainContentID + ">",
	})
	writeHeader(buf, headerContentType, contentType)
	buf.WriteString("\r\n")

	if err := writeBodyPart(writer, mainContentID, contentTypeTextXML, m.Envelope); err != nil {
		return err
	}
	for _, payload := range m.Payloads {
		if err := writeBodyPart(writer, payload.ContentID, payload.ContentType, payload.Content); err != nil {
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return errors.WithStack(err)
	}

	_, err := buf.Write(body.Bytes())
	return errors.WithStack(err)
}

func writeBodyPart(writer *multipart.Writer, contentID, contentType string, content []byte) error {
	header := make(textproto.MIMEHeader)
	header.Set(headerContentType, contentType)
	header.Set(headerContentID, "<"+contentID+">")
	header.Set(headerContentTransferEncoding, encodingBase64)

	part, err := writer.CreatePart(header)
	if err != nil {
		return errors.WithStack(err)
	}
	writeBase64(part, content)
	return nil
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// writeBase64 encodes content in wrapped base64 lines.
func writeBase64(w io.Writer, content []byte) {
	const lineLength = 76
	encoded := base64.StdEncoding.EncodeToString(content)
	for len(encoded) > 0 {
		n := lineLength
		if n > len(encoded) {
			n = len(encoded)
		}
		fmt.Fprintf(w, "%s\r\n", encoded[:n])
		encoded = encoded[n:]
	}
}

// resolveRecipient applies the redirect-address override and strips any
// mailto:// prefix from the effective address.
func resolveRecipient(config *Config, metadata MailMetadata) string {
	address := metadata.RecipientAddress
	if strings.TrimSpace(config.RedirectAddress) != "" {
		address = config.RedirectAddress
	}
	return strings.TrimPrefix(address, "mailto://")
}
