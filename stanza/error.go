package stanza

// ErrorType classifies how a stanza error should be handled by the sender.
type ErrorType int

const (
	// Cancel means the error is unrecoverable; do not retry.
	Cancel ErrorType = iota
	// Auth means the request may be retried after authorization.
	Auth
	// Modify means the request may be retried with corrected data.
	Modify
)

// Condition is a defined stanza error condition.
type Condition int

const (
	// BadRequest signals a malformed or ill-sequenced request.
	BadRequest Condition = iota
	// Forbidden signals a declined or disallowed request.
	Forbidden
	// ItemNotFound signals a missing addressee or unreachable candidate.
	ItemNotFound
	// NotAcceptable signals a request the recipient will not service.
	NotAcceptable
	// NotAllowed signals an action the recipient never services.
	NotAllowed
	// ServiceUnavailable signals a cancelled or abandoned negotiation.
	ServiceUnavailable
	// FeatureNotImplemented signals an unsupported protocol feature.
	FeatureNotImplemented
)

// Application-specific error conditions for Stream Initiation declines.
const (
	// AppNoValidStreams indicates none of the offered stream methods is
	// acceptable to the responder.
	AppNoValidStreams = "no-valid-streams"
	// AppBadProfile indicates the offered SI profile is not understood.
	AppBadProfile = "bad-profile"
)

var conditionNames = map[Condition]string{
	BadRequest:            "bad-request",
	Forbidden:             "forbidden",
	ItemNotFound:          "item-not-found",
	NotAcceptable:         "not-acceptable",
	NotAllowed:            "not-allowed",
	ServiceUnavailable:    "service-unavailable",
	FeatureNotImplemented: "feature-not-implemented",
}

func (c Condition) String() string {
	if s, ok := conditionNames[c]; ok {
		return s
	}
	return "undefined-condition"
}

// Error is a structured stanza error payload. It also satisfies the error
// interface so listener callbacks can surface it directly.
type Error struct {
	Type      ErrorType
	Condition Condition
	Text      string
	// App carries an application-specific condition such as
	// AppNoValidStreams, or "" when absent.
	App string
}

// Kind implements Payload.
func (e *Error) Kind() PayloadKind { return KindError }

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Text != "" {
		return e.Condition.String() + ": " + e.Text
	}
	if e.App != "" {
		return e.Condition.String() + " (" + e.App + ")"
	}
	return e.Condition.String()
}

// NewError builds an error IQ replying to the stanza with the given id.
func NewError(to JID, id string, errType ErrorType, cond Condition) *IQ {
	return &IQ{
		Type:    IQError,
		To:      to,
		ID:      id,
		Payload: &Error{Type: errType, Condition: cond},
	}
}
