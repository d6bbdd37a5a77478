// Package fields describes signature fields and wires them into a
// document: signature dictionary, widget annotation, AcroForm entries and
// appearance.
package fields

import (
	"fmt"
	"math"
	"strings"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
	"github.com/signpdfkit/SignPDFKit-Lib/stamp"
)

const (
	// DefaultFieldID names the field when none is given.
	DefaultFieldID = "SignPDFKit"
	// DefaultAnchor is the character searched for in anchor modes.
	DefaultAnchor = '#'
	// DefaultSize is the widget width and height used in anchor modes
	// when the rectangle has no size.
	DefaultSize = 50.0
)

// Visibility selects how the signature is shown on the page.
type Visibility int

const (
	// Invisible signatures have a zero-area widget.
	Invisible Visibility = iota
	// VisibleImage draws an image in the rectangle.
	VisibleImage
	// VisibleQR draws a QR code of the URL in the rectangle.
	VisibleQR
	// VisibleImageAtChar draws an image at the anchor character.
	VisibleImageAtChar
	// VisibleQRAtChar draws a QR code at the anchor character.
	VisibleQRAtChar
)

var visibilityNames = [...]string{"invisible", "image", "qr", "image-at-char", "qr-at-char"}

func (v Visibility) String() string {
	if v >= 0 && int(v) < len(visibilityNames) {
		return visibilityNames[v]
	}
	return fmt.Sprintf("Visibility(%d)", int(v))
}

// ParseVisibility is the inverse of Visibility.String.
func ParseVisibility(s string) (Visibility, error) {
	for i, n := range visibilityNames {
		if strings.EqualFold(s, n) {
			return Visibility(i), nil
		}
	}
	return Invisible, fmt.Errorf("unknown visibility %q", s)
}

// AtChar reports whether the widget is placed at the anchor character.
func (v Visibility) AtChar() bool { return v == VisibleImageAtChar || v == VisibleQRAtChar }

// UsesQR reports whether the appearance is a QR code.
func (v Visibility) UsesQR() bool { return v == VisibleQR || v == VisibleQRAtChar }

// UsesImage reports whether the appearance is an image.
func (v Visibility) UsesImage() bool { return v == VisibleImage || v == VisibleImageAtChar }

// SubFilter is the signature encoding.
type SubFilter int

const (
	// Basic is a detached CMS signature (adbe.pkcs7.detached).
	Basic SubFilter = iota
	// PAdES is a CAdES detached signature (ETSI.CAdES.detached).
	PAdES
)

// Known /SubFilter values.
const (
	SubFilterAdobePKCS7Detached = "adbe.pkcs7.detached"
	SubFilterETSICAdESDetached  = "ETSI.CAdES.detached"
)

// Name returns the /SubFilter value.
func (s SubFilter) Name() string {
	if s == PAdES {
		return SubFilterETSICAdESDetached
	}
	return SubFilterAdobePKCS7Detached
}

func (s SubFilter) String() string {
	if s == PAdES {
		return "pades"
	}
	return "basic"
}

// ParseSubFilter accepts "basic", "pades" or a /SubFilter value.
func ParseSubFilter(s string) (SubFilter, error) {
	switch strings.ToLower(s) {
	case "basic", "cms", strings.ToLower(SubFilterAdobePKCS7Detached):
		return Basic, nil
	case "pades", strings.ToLower(SubFilterETSICAdESDetached):
		return PAdES, nil
	}
	return Basic, sigerr.New(sigerr.UnsupportedSignatureKind, "parse subfilter", "unknown signature kind %q", s)
}

// Level is the signature level.
type Level int

const (
	// Baseline signatures carry no validation material.
	Baseline Level = iota
	// LongTerm signatures get a DSS with revocation data.
	LongTerm
)

func (l Level) String() string {
	if l == LongTerm {
		return "long-term"
	}
	return "baseline"
}

// ParseLevel accepts "baseline", "long-term" or "ltv".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "", "baseline", "b", "no":
		return Baseline, nil
	case "long-term", "longterm", "ltv", "lt", "yes":
		return LongTerm, nil
	}
	return Baseline, fmt.Errorf("unknown signature level %q", s)
}

// SignatureType distinguishes approval from certification signatures.
type SignatureType int

const (
	// Approval is an ordinary signature.
	Approval SignatureType = iota
	// Certification locks the document with DocMDP.
	Certification
)

func (t SignatureType) String() string {
	if t == Certification {
		return "certification"
	}
	return "approval"
}

// ParseSignatureType accepts "approval" or "signature" for Approval and
// "certification" or "seal" for Certification.
func ParseSignatureType(s string) (SignatureType, error) {
	switch strings.ToLower(s) {
	case "", "approval", "signature":
		return Approval, nil
	case "certification", "seal":
		return Certification, nil
	}
	return Approval, fmt.Errorf("unknown signature type %q", s)
}

// TextEncoding selects glyph mapping for appearance text and metadata.
type TextEncoding = stamp.Encoding

const (
	WinAnsi = stamp.EncodingWinAnsi
	UTF16   = stamp.EncodingUTF16
)

// ParseTextEncoding accepts "winansi" or "utf16".
func ParseTextEncoding(s string) (TextEncoding, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "")) {
	case "", "winansi", "ansi":
		return WinAnsi, nil
	case "utf16", "utf16be", "unicode":
		return UTF16, nil
	}
	return WinAnsi, fmt.Errorf("unknown text encoding %q", s)
}

// Rect is a widget rectangle in default user space.
type Rect struct {
	X, Y          float64
	Width, Height float64
}

// IsZero reports whether the rectangle has no area.
func (r Rect) IsZero() bool { return r.Width == 0 || r.Height == 0 }

// Rectangle converts r to corner form.
func (r Rect) Rectangle() *generic.Rectangle {
	return &generic.Rectangle{LLX: r.X, LLY: r.Y, URX: r.X + r.Width, URY: r.Y + r.Height}
}

// SignatureField describes the field created by a signing operation.
type SignatureField struct {
	FieldID string
	// Page is 1-based.
	Page       int
	Rect       Rect
	Visibility Visibility
	// Image is the encoded image for image modes.
	Image []byte
	// Anchor is the character located in anchor modes.
	Anchor rune

	Reason      string
	Location    string
	ContactInfo string
	URL         string
	SignerName  string
	// Lines are optional text lines drawn next to the image or QR code.
	Lines []string

	Encoding TextEncoding
	Kind     SubFilter
	Level    Level
	Type     SignatureType
}

// WithDefaults returns a copy with defaults applied.
func (f SignatureField) WithDefaults() SignatureField {
	if f.FieldID == "" {
		f.FieldID = DefaultFieldID
	}
	if f.Page == 0 {
		f.Page = 1
	}
	if f.Anchor == 0 {
		f.Anchor = DefaultAnchor
	}
	if f.Visibility.AtChar() {
		if f.Rect.Width == 0 {
			f.Rect.Width = DefaultSize
		}
		if f.Rect.Height == 0 {
			f.Rect.Height = DefaultSize
		}
	}
	return f
}

// Visible reports whether the field gets a non-empty widget.
func (f *SignatureField) Visible() bool {
	return f.Visibility != Invisible && !f.Rect.IsZero()
}

func (f *SignatureField) geometryError(format string, args ...any) error {
	return sigerr.New(sigerr.InvalidGeometry, "signature field", format, args...).ForField(f.FieldID)
}

// Validate checks the field independently of any document.
func (f *SignatureField) Validate() error {
	for _, v := range []float64{f.Rect.X, f.Rect.Y, f.Rect.Width, f.Rect.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return f.geometryError("rectangle is not finite")
		}
	}
	if f.Rect.Width < 0 || f.Rect.Height < 0 {
		return f.geometryError("negative size %sx%s", generic.FormatReal(f.Rect.Width), generic.FormatReal(f.Rect.Height))
	}
	if f.Page < 1 {
		return f.geometryError("page %d out of range", f.Page)
	}
	if f.Visibility < Invisible || f.Visibility > VisibleQRAtChar {
		return f.geometryError("unknown visibility %d", int(f.Visibility))
	}
	if f.Visibility.UsesImage() && len(f.Image) == 0 && !f.Rect.IsZero() {
		return sigerr.New(sigerr.InvalidGeometry, "signature field", "visibility %s needs an image", f.Visibility).ForField(f.FieldID)
	}
	if f.Visibility.UsesQR() && f.URL == "" && !f.Rect.IsZero() {
		return sigerr.New(sigerr.InvalidGeometry, "signature field", "visibility %s needs a URL", f.Visibility).ForField(f.FieldID)
	}
	if f.Kind != Basic && f.Kind != PAdES {
		return sigerr.New(sigerr.UnsupportedSignatureKind, "signature field", "unknown signature kind %d", int(f.Kind)).ForField(f.FieldID)
	}
	switch f.Level {
	case Baseline, LongTerm:
	default:
		return sigerr.New(sigerr.UnsupportedSignatureKind, "signature field", "unknown signature level %d", int(f.Level)).ForField(f.FieldID)
	}
	switch f.Type {
	case Approval, Certification:
	default:
		return sigerr.New(sigerr.UnsupportedSignatureKind, "signature field", "unknown signature type %d", int(f.Type)).ForField(f.FieldID)
	}
	return nil
}

// TextString encodes metadata text with the field's encoding.
func (f *SignatureField) TextString(s string) *generic.StringObject {
	if f.Encoding == UTF16 {
		return &generic.StringObject{Value: generic.EncodeUTF16BE(s)}
	}
	return generic.NewTextString(s)
}
