package mailbridge

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"go.uber.org/zap"
)

// ForwardingSystem is the routing decision for one inbound message.
type ForwardingSystem int

const (
	// ForwardPrimary routes to the queue-backed system only.
	ForwardPrimary ForwardingSystem = iota
	// ForwardSecondary routes to the legacy relay only.
	ForwardSecondary
	// ForwardBoth routes to the queue and the legacy relay.
	ForwardBoth
)

func (s ForwardingSystem) String() string {
	switch s {
	case ForwardPrimary:
		return "PRIMARY"
	case ForwardSecondary:
		return "SECONDARY"
	case ForwardBoth:
		return "BOTH"
	}
	return "UNKNOWN"
}

// messageServiceURN marks ebXML signal traffic that both systems consume.
const messageServiceURN = "urn:oasis:names:tc:ebxml-msg:service"

const (
	classifierModeEnvelope = "envelope"
	classifierModeSubject  = "subject"
)

// Classifier decides which downstream system a decomposed message goes
// to. The envelope-inspecting strategy looks up the ebXML Service element
// in the primary body part; the subject strategy is the legacy fallback
// kept for deployments still keyed on subject lines. A sender outside the
// allow-list always routes to the secondary system.
type Classifier struct {
	mode             string
	senderAllowList  []string
	acceptedServices []string
	signalSubjects   []string
	acceptedSubjects []string
	logger           *zap.SugaredLogger
}

// NewClassifier builds a classifier from configuration.
func NewClassifier(config *Config, logger *zap.SugaredLogger) *Classifier {
	mode := config.ClassifierMode
	if mode == "" {
		mode = classifierModeEnvelope
	}
	return &Classifier{
		mode:             mode,
		senderAllowList:  config.SenderAllowList,
		acceptedServices: config.AcceptedServices,
		signalSubjects:   config.SignalSubjects,
		acceptedSubjects: config.AcceptedSubjects,
		logger:           logger,
	}
}

// Classify returns the forwarding decision for msg.
func (c *Classifier) Classify(msg *EmailMsg) ForwardingSystem {
	if !c.isAllowedSender(msg.SenderAddress) {
		return ForwardSecondary
	}
	if c.mode == classifierModeSubject {
		return c.classifyBySubject(msg)
	}
	return c.classifyByEnvelope(msg)
}

func (c *Classifier) classifyByEnvelope(msg *EmailMsg) ForwardingSystem {
	services, err := extractServiceValues(msg.Parts[0].Bytes)
	if err != nil {
		// not an XML envelope we understand; legacy system handles it
		c.logger.Warnw("failed to parse envelope xml",
			"requestId", msg.RequestID,
			"error", err)
		return ForwardSecondary
	}

	if containsString(services, messageServiceURN) {
		return ForwardBoth
	}
	for _, service := range services {
		if containsString(c.acceptedServices, service) {
			return ForwardPrimary
		}
	}
	return ForwardSecondary
}

func (c *Classifier) classifyBySubject(msg *EmailMsg) ForwardingSystem {
	subject := headerValue(msg.Headers, "Subject")
	if containsFold(c.signalSubjects, subject) {
		return ForwardBoth
	}
	if containsFold(c.acceptedSubjects, subject) {
		return ForwardPrimary
	}
	return ForwardSecondary
}

func (c *Classifier) isAllowedSender(sender string) bool {
	if sender == "" {
		return false
	}
	return containsFold(c.senderAllowList, sender)
}

// extractServiceValues scans the envelope for elements with local name
// Service, regardless of namespace or prefix, and returns their text
// content.
func extractServiceValues(envelope []byte) ([]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(envelope))

	var services []string
	var inService int
	var text strings.Builder
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch tok := token.(type) {
		case xml.StartElement:
			if tok.Name.Local == "Service" {
				inService++
				text.Reset()
			}
		case xml.CharData:
			if inService > 0 {
				text.Write(tok)
			}
		case xml.EndElement:
			if tok.Name.Local == "Service" && inService > 0 {
				inService--
				services = append(services, strings.TrimSpace(text.String()))
			}
		}
	}
	return services, nil
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func containsFold(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}
