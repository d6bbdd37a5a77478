// Package sigerr defines the error kinds surfaced by the signing engine.
//
// Every failure returned from the public operations is an *Error carrying one
// Kind. Callers match kinds with errors.Is against the Err* sentinels:
//
//	if errors.Is(err, sigerr.ErrOversizedSignature) { ... }
//
// This package MUST NOT import other packages of the module.
package sigerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an engine error.
type Kind int

const (
	Unknown Kind = iota
	MalformedStructure
	FieldAlreadyExists
	InvalidGeometry
	OversizedSignature
	PlaceholderNotFound
	CmsParseError
	IntegrityMismatch
	StructuralDamage
	NoSignature
	UnsupportedSignatureKind
	IoFailure
)

var kindNames = [...]string{
	Unknown:                  "unknown",
	MalformedStructure:       "malformed structure",
	FieldAlreadyExists:       "field already exists",
	InvalidGeometry:          "invalid geometry",
	OversizedSignature:       "oversized signature",
	PlaceholderNotFound:      "placeholder not found",
	CmsParseError:            "cms parse error",
	IntegrityMismatch:        "integrity mismatch",
	StructuralDamage:         "structural damage",
	NoSignature:              "no signature",
	UnsupportedSignatureKind: "unsupported signature kind",
	IoFailure:                "io failure",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Sentinel errors, one per kind. An *Error matches the sentinel of its kind.
var (
	ErrMalformedStructure       = errors.New("malformed structure")
	ErrFieldAlreadyExists       = errors.New("field already exists")
	ErrInvalidGeometry          = errors.New("invalid geometry")
	ErrOversizedSignature       = errors.New("oversized signature")
	ErrPlaceholderNotFound      = errors.New("placeholder not found")
	ErrCmsParse                 = errors.New("cms parse error")
	ErrIntegrityMismatch        = errors.New("integrity mismatch")
	ErrStructuralDamage         = errors.New("structural damage")
	ErrNoSignature              = errors.New("no signature")
	ErrUnsupportedSignatureKind = errors.New("unsupported signature kind")
	ErrIoFailure                = errors.New("io failure")
)

func (k Kind) sentinel() error {
	switch k {
	case MalformedStructure:
		return ErrMalformedStructure
	case FieldAlreadyExists:
		return ErrFieldAlreadyExists
	case InvalidGeometry:
		return ErrInvalidGeometry
	case OversizedSignature:
		return ErrOversizedSignature
	case PlaceholderNotFound:
		return ErrPlaceholderNotFound
	case CmsParseError:
		return ErrCmsParse
	case IntegrityMismatch:
		return ErrIntegrityMismatch
	case StructuralDamage:
		return ErrStructuralDamage
	case NoSignature:
		return ErrNoSignature
	case UnsupportedSignatureKind:
		return ErrUnsupportedSignatureKind
	case IoFailure:
		return ErrIoFailure
	default:
		return nil
	}
}

// Error is the structured error returned by engine operations.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "calculateDigest".
	Op string
	// Offset is the byte offset in the document the error refers to, or -1.
	Offset int64
	// Field is the signature field id the error refers to, if any.
	Field string
	Err   error
}

// New creates an error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Offset: -1, Err: fmt.Errorf(format, args...)}
}

// Wrap wraps err with a kind. If err already is an *Error its kind is kept
// unless it is Unknown, so the innermost classification wins. The offset and
// field of the inner error carry over.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	e := &Error{Kind: kind, Op: op, Offset: -1, Err: err}
	var inner *Error
	if errors.As(err, &inner) {
		if inner.Kind != Unknown {
			e.Kind = inner.Kind
		}
		e.Offset = inner.Offset
		e.Field = inner.Field
	}
	return e
}

// AtOffset records the document offset the error refers to.
func (e *Error) AtOffset(off int64) *Error {
	e.Offset = off
	return e
}

// ForField records the field id the error refers to.
func (e *Error) ForField(id string) *Error {
	e.Field = id
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Field != "" || e.Offset >= 0 {
		b.WriteString(" (")
		if e.Field != "" {
			fmt.Fprintf(&b, "field %q", e.Field)
		}
		if e.Offset >= 0 {
			if e.Field != "" {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "offset %d", e.Offset)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
