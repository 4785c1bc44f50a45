package mailbridge

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func dispatcherConfig(t *testing.T, port string, extra string) *Config {
	config, err := ParseConfig(`{` +
		`"smtp-host":"localhost",` +
		`"smtp-port":` + port + `,` +
		`"from-address":"bridge@example.com"` + extra + `}`)
	require.Nil(t, err)
	return config
}

func TestDispatcherSendSignal(t *testing.T) {
	sink := newSMTPSink(t, "localhost:2125", false)
	defer sink.Fini()

	config := dispatcherConfig(t, "2125", "")
	d := NewMailDispatcher(config, testLogger(), nopEventSink{})

	signal := SignalMessage{
		MessageID: uuid.New(),
		Envelope:  []byte(serviceEnvelope(messageServiceURN)),
	}
	metadata := MailMetadata{
		RecipientAddress: "mailto://partner@example.com",
		Subject:          "Acknowledgment",
	}

	require.Nil(t, d.Send(metadata, signal))

	sent := sink.sent()
	require.Equal(t, 1, len(sent))
	require.Equal(t, "bridge@example.com", sent[0].Sender)
	require.Equal(t, []string{"partner@example.com"}, sent[0].Recipients)

	msg := decomposed(t, sent[0].Data)
	require.Equal(t, "Acknowledgment", msg.Headers["Subject"])
	require.Equal(t, xMailerMarker, msg.Headers["X-Mailer"])
	require.Equal(t, string(signal.Envelope), string(msg.Parts[0].Bytes))
}

func TestDispatcherSendPayload(t *testing.T) {
	sink := newSMTPSink(t, "localhost:2126", false)
	defer sink.Fini()

	config := dispatcherConfig(t, "2126", "")
	d := NewMailDispatcher(config, testLogger(), nopEventSink{})

	referenceID := uuid.New()
	payload := PayloadMessage{
		MessageID: referenceID,
		Envelope:  []byte(serviceEnvelope(testAcceptedService)),
		Payloads: []Payload{
			{ReferenceID: referenceID, ContentID: "doc-1", ContentType: "application/pdf",
				Content: []byte("pdf bytes")},
		},
	}
	metadata := MailMetadata{RecipientAddress: "partner@example.com", Subject: "Dialog"}

	require.Nil(t, d.Send(metadata, payload))

	sent := sink.sent()
	require.Equal(t, 1, len(sent))

	msg := decomposed(t, sent[0].Data)
	require.True(t, msg.Multipart)
	require.Equal(t, 2, len(msg.Parts))
	require.Equal(t, string(payload.Envelope), string(msg.Parts[0].Bytes))
	require.Equal(t, "pdf bytes", string(msg.Parts[1].Bytes))
	require.True(t, strings.Contains(msg.Headers["Content-Type"], "multipart/related"))
}

func TestDispatcherSendFailure(t *testing.T) {
	sink := newSMTPSink(t, "localhost:2127", true)
	defer sink.Fini()

	config := dispatcherConfig(t, "2127", "")
	d := NewMailDispatcher(config, testLogger(), nopEventSink{})

	signal := SignalMessage{MessageID: uuid.New(), Envelope: []byte("<env/>")}
	metadata := MailMetadata{RecipientAddress: "partner@example.com", Subject: "s"}

	require.NotNil(t, d.Send(metadata, signal))
	require.Empty(t, sink.sent())
}

func TestDispatcherSendNoServer(t *testing.T) {
	config := dispatcherConfig(t, "1", "")
	d := NewMailDispatcher(config, testLogger(), nopEventSink{})

	signal := SignalMessage{MessageID: uuid.New(), Envelope: []byte("<env/>")}
	metadata := MailMetadata{RecipientAddress: "partner@example.com", Subject: "s"}

	require.NotNil(t, d.Send(metadata, signal))
}

func TestDispatcherRelay(t *testing.T) {
	sink := newSMTPSink(t, "localhost:2128", false)
	defer sink.Fini()

	config := dispatcherConfig(t, "2128", `,"relay-address":"legacy@example.com"`)
	d := NewMailDispatcher(config, testLogger(), nopEventSink{})

	raw := sampleSignalMail("edi@example.com", "ordinary", serviceEnvelope("urn:other"))
	msg := decomposed(t, raw)

	require.Nil(t, d.Relay(msg))

	sent := sink.sent()
	require.Equal(t, 1, len(sent))
	require.Equal(t, "edi@example.com", sent[0].Sender)
	require.Equal(t, []string{"legacy@example.com"}, sent[0].Recipients)
}

func TestDispatcherRelayNoAddress(t *testing.T) {
	config := dispatcherConfig(t, "2129", "")
	d := NewMailDispatcher(config, testLogger(), nopEventSink{})

	msg := decomposed(t, sampleSignalMail("edi@example.com", "s", "<env/>"))
	require.NotNil(t, d.Relay(msg))
}
