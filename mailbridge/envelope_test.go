package mailbridge

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestToQueueMessageSignal(t *testing.T) {
	envelope := serviceEnvelope(messageServiceURN)
	msg := decomposed(t, sampleSignalMail("edi@example.com", "ack", envelope))

	qm, err := ToQueueMessage(msg, msg.RequestID)
	require.Nil(t, err)

	signal, ok := qm.(SignalMessage)
	require.True(t, ok)
	require.Equal(t, msg.RequestID, signal.MessageID)
	require.Equal(t, envelope, string(signal.Envelope))
}

func TestToQueueMessagePayload(t *testing.T) {
	envelope := serviceEnvelope(testAcceptedService)
	msg := decomposed(t, samplePayloadMail("edi@example.com", "dialog", envelope,
		[]sampleAttachment{
			{contentID: "doc-1", contentType: "application/pdf", content: "%PDF-1.4 fake"},
			{contentID: "doc-2", contentType: "text/plain", content: "notes"},
		}))

	qm, err := ToQueueMessage(msg, msg.RequestID)
	require.Nil(t, err)

	payload, ok := qm.(PayloadMessage)
	require.True(t, ok)
	require.Equal(t, envelope, string(payload.Envelope))
	require.Equal(t, 2, len(payload.Payloads))

	require.Equal(t, msg.RequestID, payload.Payloads[0].ReferenceID)
	require.Equal(t, "doc-1", payload.Payloads[0].ContentID)
	require.Equal(t, "application/pdf", payload.Payloads[0].ContentType)
	require.Equal(t, "%PDF-1.4 fake", string(payload.Payloads[0].Content))
	require.Equal(t, "doc-2", payload.Payloads[1].ContentID)
}

func TestToQueueMessageMissingContentID(t *testing.T) {
	msg := &EmailMsg{
		Parts: []Part{
			{Headers: map[string]string{}, Bytes: []byte("<env/>")},
			{Headers: map[string]string{"Content-Type": "text/plain"}, Bytes: []byte("x")},
		},
	}

	_, err := ToQueueMessage(msg, uuid.New())
	require.NotNil(t, err)
}

func Test_stripAngleBrackets(t *testing.T) {
	require.Equal(t, "doc-1", stripAngleBrackets("<doc-1>"))
	require.Equal(t, "doc-1", stripAngleBrackets("doc-1"))
}

func buildConfig(t *testing.T, extra string) *Config {
	config, err := ParseConfig(`{"from-address":"bridge@example.com"` + extra + `}`)
	require.Nil(t, err)
	return config
}

func TestBuildMimeMessageSignal(t *testing.T) {
	config := buildConfig(t, "")
	metadata := MailMetadata{
		RecipientAddress: "mailto://partner@example.com",
		Subject:          "Acknowledgment",
	}
	signal := SignalMessage{MessageID: uuid.New(), Envelope: []byte(serviceEnvelope(messageServiceURN))}

	raw, recipient, err := BuildMimeMessage(config, metadata, signal)
	require.Nil(t, err)
	require.Equal(t, "partner@example.com", recipient)

	msg := decomposed(t, raw)
	require.False(t, msg.Multipart)
	require.Equal(t, "Acknowledgment", msg.Headers["Subject"])
	require.Equal(t, soapActionEbXML, msg.Headers["Soapaction"])
	require.Equal(t, xMailerMarker, msg.Headers["X-Mailer"])
	require.Equal(t, string(signal.Envelope), string(msg.Parts[0].Bytes))
}

func TestBuildMimeMessageRedirect(t *testing.T) {
	config := buildConfig(t, `,"redirect-address":"sink@example.com"`)
	metadata := MailMetadata{RecipientAddress: "partner@example.com", Subject: "s"}
	signal := SignalMessage{MessageID: uuid.New(), Envelope: []byte("<env/>")}

	_, recipient, err := BuildMimeMessage(config, metadata, signal)
	require.Nil(t, err)
	require.Equal(t, "sink@example.com", recipient)
}

func TestBuildMimeMessageNoRecipient(t *testing.T) {
	config := buildConfig(t, "")
	signal := SignalMessage{MessageID: uuid.New(), Envelope: []byte("<env/>")}

	_, _, err := BuildMimeMessage(config, MailMetadata{}, signal)
	require.NotNil(t, err)
}

// A payload message rebuilt into MIME must decompose back into the same
// envelope and payloads.
func TestBuildMimeMessageRoundTrip(t *testing.T) {
	config := buildConfig(t, "")
	referenceID := uuid.New()
	original := PayloadMessage{
		MessageID: referenceID,
		Envelope:  []byte(serviceEnvelope(testAcceptedService)),
		Payloads: []Payload{
			{ReferenceID: referenceID, ContentID: "doc-1", ContentType: "application/pdf",
				Content: []byte{0x25, 0x50, 0x44, 0x46, 0x00, 0xff, 0xfe}},
			{ReferenceID: referenceID, ContentID: "doc-2", ContentType: "text/plain",
				Content: []byte("second attachment")},
		},
	}
	metadata := MailMetadata{RecipientAddress: "partner@example.com", Subject: "Dialog"}

	raw, _, err := BuildMimeMessage(config, metadata, original)
	require.Nil(t, err)

	msg := decomposed(t, raw)
	require.True(t, msg.Multipart)

	qm, err := ToQueueMessage(msg, referenceID)
	require.Nil(t, err)

	rebuilt, ok := qm.(PayloadMessage)
	require.True(t, ok)
	require.Equal(t, string(original.Envelope), string(rebuilt.Envelope))
	require.Equal(t, original.Payloads, rebuilt.Payloads)
}

func Test_resolveRecipient(t *testing.T) {
	config := buildConfig(t, "")
	require.Equal(t, "a@example.com",
		resolveRecipient(config, MailMetadata{RecipientAddress: "a@example.com"}))
	require.Equal(t, "a@example.com",
		resolveRecipient(config, MailMetadata{RecipientAddress: "mailto://a@example.com"}))

	redirected := buildConfig(t, `,"redirect-address":"mailto://sink@example.com"`)
	require.Equal(t, "sink@example.com",
		resolveRecipient(redirected, MailMetadata{RecipientAddress: "a@example.com"}))
}
