package mailbridge

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	headerContentType             = "Content-Type"
	headerContentID               = "Content-Id"
	headerContentTransferEncoding = "Content-Transfer-Encoding"
	encodingBase64                = "base64"
)

// EmailMsg is the structured form of one mailbox message: collapsed
// headers plus the ordered body parts. Part 0 of a multipart message is
// the envelope, the rest are attachments; a single-part message has one
// synthetic part holding the whole body.
type EmailMsg struct {
	Multipart     bool
	Headers       map[string]string
	Parts         []Part
	RequestID     uuid.UUID
	SenderAddress string
	Raw           []byte
}

// Part is one body part with its own headers and raw bytes.
type Part struct {
	Headers map[string]string
	Bytes   []byte
}

// Decompose parses a raw MIME message into an EmailMsg. A parse failure
// is fatal for the message but must not be treated as fatal for the batch
// it was read in; the caller leaves the source message unconsumed.
func Decompose(raw []byte) (*EmailMsg, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse mime message")
	}

	headers := collapseHeaders(msg.Header)
	contentType := msg.Header.Get(headerContentType)

	mediaType, params, err := mime.ParseMediaType(contentType)
	multipartMessage := err == nil && strings.HasPrefix(mediaType, "multipart/")

	var parts []Part
	if multipartMessage {
		parts, err = decomposeMultipart(msg.Body, params["boundary"])
		if err != nil {
			return nil, err
		}
	} else {
		parts, err = decomposeSinglePart(msg)
		if err != nil {
			return nil, err
		}
	}
	if len(parts) == 0 {
		return nil, errors.New("decomposed message has no parts")
	}

	return &EmailMsg{
		Multipart:     multipartMessage,
		Headers:       headers,
		Parts:         parts,
		RequestID:     uuid.New(),
		SenderAddress: extractEmailAddress(headers["From"]),
		Raw:           raw,
	}, nil
}

func decomposeMultipart(body io.Reader, boundary string) ([]Part, error) {
	if boundary == "" {
		return nil, errors.New("multipart message missing boundary")
	}

	var parts []Part
	reader := multipart.NewReader(body, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read body part")
		}

		content, err := io.ReadAll(part)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read body part content")
		}

		headers := collapseHeaders(part.Header)
		parts = append(parts, Part{
			Headers: headers,
			Bytes:   decodeTransferEncoding(headers, content),
		})
	}
	return parts, nil
}

func decomposeSinglePart(msg *mail.Message) ([]Part, error) {
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read message body")
	}
	return []Part{{
		Headers: map[string]string{},
		Bytes:   decodeTransferEncoding(collapseHeaders(msg.Header), body),
	}}, nil
}

// collapseHeaders flattens a multi-valued header map, joining repeated
// values with a comma. Keys keep canonical MIME casing.
func collapseHeaders(header map[string][]string) map[string]string {
	collapsed := make(map[string]string, len(header))
	for name, values := range header {
		collapsed[name] = strings.Join(values, ",")
	}
	return collapsed
}

// decodeTransferEncoding undoes a base64 content-transfer-encoding so
// parts carry raw bytes. Quoted-printable is already decoded by the
// multipart reader.
func decodeTransferEncoding(headers map[string]string, content []byte) []byte {
	if !strings.EqualFold(headerValue(headers, headerContentTransferEncoding), encodingBase64) {
		return content
	}
	compact := strings.Join(strings.Fields(string(content)), "")
	decoded, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		// not actually base64; keep the wire bytes
		return content
	}
	return decoded
}

// headerValue looks up a collapsed header case-insensitively.
func headerValue(headers map[string]string, name string) string {
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}

// extractEmailAddress reduces a From header to its lowercased addr-spec.
func extractEmailAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	if strings.Contains(from, "<") {
		inner := strings.TrimSpace(from[strings.Index(from, "<")+1:])
		if end := strings.Index(inner, ">"); end >= 0 {
			inner = inner[:end]
		}
		return strings.ToLower(inner)
	}
	return strings.ToLower(strings.TrimSpace(from))
}
