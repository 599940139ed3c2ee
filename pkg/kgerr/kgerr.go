// Package kgerr defines the error taxonomy shared by every credence component.
//
// Every failure that crosses an operation boundary is an *Error carrying its
// kind, the operation name, the affected ids and recovery guidance. Callers
// match on kind with errors.Is against the exported sentinels:
//
//	if errors.Is(err, kgerr.ErrValidation) { ... }
//
// Ambiguous entity resolution is not an error; it is returned as data by the
// resolution package.
package kgerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindExtraction
	KindAggregation
	KindConversion
	KindPartialCommit
	KindStorage
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindExtraction:
		return "extraction"
	case KindAggregation:
		return "aggregation"
	case KindConversion:
		return "conversion"
	case KindPartialCommit:
		return "partial_commit"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Recovery is the actionable next step attached to an error payload.
type Recovery string

const (
	RecoveryRetry        Recovery = "retry"
	RecoveryExpertReview Recovery = "needs expert review"
	RecoveryReconcile    Recovery = "reconcile stores"
	RecoveryFixInput     Recovery = "fix input"
	RecoveryCheckConfig  Recovery = "check configuration"
	RecoveryNone         Recovery = ""
)

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrExtraction    = &Error{Kind: KindExtraction}
	ErrAggregation   = &Error{Kind: KindAggregation}
	ErrConversion    = &Error{Kind: KindConversion}
	ErrPartialCommit = &Error{Kind: KindPartialCommit}
	ErrStorage       = &Error{Kind: KindStorage}
)

// Error is a structured failure raised at an operation boundary.
type Error struct {
	Kind     Kind
	Op       string
	IDs      []string
	Recovery []Recovery
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.IDs) > 0 {
		fmt.Fprintf(&b, " (ids: %s)", strings.Join(e.IDs, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Payload is the user-visible shape of an error.
type Payload struct {
	Kind      string   `json:"kind"`
	Operation string   `json:"operation,omitempty"`
	IDs       []string `json:"ids,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`
	Message   string   `json:"message"`
}

// Payload renders the structured payload for e.
func (e *Error) Payload() Payload {
	steps := make([]string, 0, len(e.Recovery))
	for _, r := range e.Recovery {
		if r != RecoveryNone {
			steps = append(steps, string(r))
		}
	}
	return Payload{
		Kind:      e.Kind.String(),
		Operation: e.Op,
		IDs:       e.IDs,
		NextSteps: steps,
		Message:   e.Error(),
	}
}

// PayloadOf extracts a payload from any error. Errors outside the taxonomy
// are reported as kind "unknown".
func PayloadOf(err error) Payload {
	if err == nil {
		return Payload{}
	}
	type payloader interface{ Payload() Payload }
	var p payloader
	if errors.As(err, &p) {
		return p.Payload()
	}
	return Payload{Kind: KindUnknown.String(), Message: err.Error()}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	type kinded interface{ ErrorKind() Kind }
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindUnknown
}

// Validation builds a ValidationError.
func Validation(op, msg string, ids ...string) *Error {
	return &Error{Kind: KindValidation, Op: op, IDs: ids, Message: msg, Recovery: []Recovery{RecoveryFixInput}}
}

// Extraction wraps an upstream extraction failure.
func Extraction(op string, err error, ids ...string) *Error {
	return &Error{Kind: KindExtraction, Op: op, IDs: ids, Err: err, Recovery: []Recovery{RecoveryRetry}}
}

// Aggregation builds an AggregationError.
func Aggregation(op, msg string, err error, ids ...string) *Error {
	return &Error{Kind: KindAggregation, Op: op, IDs: ids, Message: msg, Err: err, Recovery: []Recovery{RecoveryExpertReview}}
}

// Conversion builds a ConversionError for a single entity or record.
func Conversion(op, msg string, ids ...string) *Error {
	return &Error{Kind: KindConversion, Op: op, IDs: ids, Message: msg, Recovery: []Recovery{RecoveryFixInput}}
}

// Storage wraps a store failure that left both stores consistent.
func Storage(op string, err error, ids ...string) *Error {
	return &Error{Kind: KindStorage, Op: op, IDs: ids, Err: err, Recovery: []Recovery{RecoveryRetry}}
}

// WithRecovery replaces the recovery guidance and returns e.
func (e *Error) WithRecovery(r ...Recovery) *Error {
	e.Recovery = r
	return e
}
