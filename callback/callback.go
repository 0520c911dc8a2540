package callback

import (
	"errors"
	"strings"
	"time"
)

// ErrMalformed is wrapped by every decode failure. Malformed events are never
// retried: the same bytes will not become well-formed on redelivery.
var ErrMalformed = errors.New("malformed callback event")

// Kind identifies one of the closed set of callback event kinds. The string
// value is the wire representation carried in the callbackType field.
type Kind string

const (
	KindQuestion         Kind = "QUESTION"
	KindAnalysisComplete Kind = "ANALYSIS_COMPLETE"
	KindDigestComplete   Kind = "DIGEST_COMPLETE"
	KindError            Kind = "ERROR"
)

// Kinds lists every valid Kind in declaration order.
var Kinds = []Kind{KindQuestion, KindAnalysisComplete, KindDigestComplete, KindError}

// Valid reports whether k is a member of the closed set.
func (k Kind) Valid() bool {
	switch k {
	case KindQuestion, KindAnalysisComplete, KindDigestComplete, KindError:
		return true
	}
	return false
}

// Terminal reports whether no further deliveries are expected for a session
// after an event of this kind.
func (k Kind) Terminal() bool {
	switch k {
	case KindAnalysisComplete, KindDigestComplete, KindError:
		return true
	}
	return false
}

// Status values reported by workers inside payloads. An absent status means
// success.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

func succeeded(status string) bool {
	return status == "" || strings.EqualFold(status, StatusSuccess)
}

// Event is a single callback carried on the broadcast transport.
type Event struct {
	SessionID string
	Kind      Kind
	Payload   Payload
	EmittedAt time.Time

	// Raw is the data object exactly as received or published.
	Raw []byte
}

// Terminal is shorthand for e.Kind.Terminal().
func (e Event) Terminal() bool { return e.Kind.Terminal() }

// Age returns how long ago the event was emitted relative to now.
func (e Event) Age(now time.Time) time.Duration { return now.Sub(e.EmittedAt) }

// Payload is the kind-specific body of an Event. The set of implementations
// is closed to this package; each one owns its translation into a client
// Message so adding a kind is a compile-time visible change.
type Payload interface {
	Kind() Kind
	Message() Message
	sealed()
}

// QuestionItem is one generated follow-up question.
type QuestionItem struct {
	ID       string `json:"id,omitempty"`
	Question string `json:"question"`
}

// QuestionPayload carries questions generated for a diary, either as a list or
// as pre-rendered text content.
type QuestionPayload struct {
	Status    string         `json:"status,omitempty"`
	Content   string         `json:"content,omitempty"`
	Questions []QuestionItem `json:"questions,omitempty"`
}

func (QuestionPayload) Kind() Kind { return KindQuestion }
func (QuestionPayload) sealed()    {}

func (p QuestionPayload) Message() Message {
	if !succeeded(p.Status) {
		return Message{Type: MessageError, Content: "question generation failed"}
	}
	if len(p.Questions) > 0 {
		texts := make([]string, 0, len(p.Questions))
		for _, q := range p.Questions {
			texts = append(texts, q.Question)
		}
		return Message{Type: MessageQuestion, Content: strings.Join(texts, "\n")}
	}
	return Message{Type: MessageQuestion, Content: p.Content}
}

// AnalysisCompletePayload carries the summary produced by image analysis.
type AnalysisCompletePayload struct {
	Status            string         `json:"status,omitempty"`
	OverallDaySummary string         `json:"overallDaySummary,omitempty"`
	Questions         []QuestionItem `json:"questions,omitempty"`
}

func (AnalysisCompletePayload) Kind() Kind { return KindAnalysisComplete }
func (AnalysisCompletePayload) sealed()    {}

func (p AnalysisCompletePayload) Message() Message {
	if !succeeded(p.Status) {
		return Message{Type: MessageError, Content: "analysis failed"}
	}
	return Message{Type: MessageAnalysisComplete, Content: p.OverallDaySummary}
}

// DigestCompletePayload carries a rendered digest.
type DigestCompletePayload struct {
	Status        string `json:"status,omitempty"`
	DigestContent string `json:"digestContent,omitempty"`
}

func (DigestCompletePayload) Kind() Kind { return KindDigestComplete }
func (DigestCompletePayload) sealed()    {}

func (p DigestCompletePayload) Message() Message {
	if !succeeded(p.Status) {
		return Message{Type: MessageError, Content: "digest generation failed"}
	}
	return Message{Type: MessageDigestComplete, Content: p.DigestContent}
}

// ErrorPayload reports a failure in an upstream worker.
type ErrorPayload struct {
	Status       string `json:"status,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	// ServiceType tags the originating worker.
	ServiceType string `json:"serviceType,omitempty"`
}

func (ErrorPayload) Kind() Kind { return KindError }
func (ErrorPayload) sealed()    {}

func (p ErrorPayload) Message() Message {
	msg := p.ErrorMessage
	if msg == "" {
		msg = "AI service error"
	}
	return Message{Type: MessageError, Content: msg}
}

// MessageType tags a frame pushed to the realtime client.
type MessageType string

const (
	MessageQuestion          MessageType = "Question"
	MessageAnalysisComplete  MessageType = "AnalysisComplete"
	MessageDigestComplete    MessageType = "DigestComplete"
	MessageError             MessageType = "Error"
	MessageDisconnectRequest MessageType = "DisconnectRequest"
)

// Message is what the Delivery Channel pushes to a client.
type Message struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content,omitempty"`
}

// DisconnectRequest asks the client to close its connection voluntarily.
func DisconnectRequest() Message { return Message{Type: MessageDisconnectRequest} }
