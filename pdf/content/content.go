// Package content provides PDF content stream handling.
package content

import (
	"bytes"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
)

// Operator represents a PDF content stream operator.
type Operator string

// Operators used by appearance generation and text location.
const (
	// Graphics state operators
	OpSaveState    Operator = "q"
	OpRestoreState Operator = "Q"
	OpSetCTM       Operator = "cm"
	OpSetLineWidth Operator = "w"
	OpSetGState    Operator = "gs"

	// Path operators
	OpRectangle Operator = "re"
	OpStroke    Operator = "S"
	OpFill      Operator = "f"
	OpEndPath   Operator = "n"
	OpClip      Operator = "W"

	// Text object operators
	OpBeginText Operator = "BT"
	OpEndText   Operator = "ET"

	// Text state operators
	OpSetCharSpacing Operator = "Tc"
	OpSetWordSpacing Operator = "Tw"
	OpSetHScale      Operator = "Tz"
	OpSetLeading     Operator = "TL"
	OpSetFont        Operator = "Tf"
	OpSetTextRise    Operator = "Ts"

	// Text positioning operators
	OpTextMove      Operator = "Td"
	OpTextMoveSet   Operator = "TD"
	OpSetTextMatrix Operator = "Tm"
	OpTextNextLine  Operator = "T*"

	// Text showing operators
	OpShowText      Operator = "Tj"
	OpShowTextArray Operator = "TJ"
	OpMoveShowText  Operator = "'"
	OpMoveSetShow   Operator = "\""

	// Color operators
	OpSetStrokeRGB Operator = "RG"
	OpSetFillRGB   Operator = "rg"
	OpSetFillGray  Operator = "g"

	// XObject operators
	OpPaintXObject Operator = "Do"

	// Inline image operators
	OpBeginInlineImage Operator = "BI"
	OpBeginImageData   Operator = "ID"
	OpEndInlineImage   Operator = "EI"
)

// ContentStream represents a sequence of content stream operations.
type ContentStream struct {
	Operations []Operation
}

// Operation represents a single operation in a content stream.
type Operation struct {
	Operator Operator
	Operands []generic.PdfObject
}

// NewContentStream creates a new empty content stream.
func NewContentStream() *ContentStream {
	return &ContentStream{}
}

// AddOperation adds an operation to the content stream.
func (cs *ContentStream) AddOperation(op Operator, operands ...generic.PdfObject) {
	cs.Operations = append(cs.Operations, Operation{Operator: op, Operands: operands})
}

// Render renders the content stream to bytes.
func (cs *ContentStream) Render() []byte {
	var buf bytes.Buffer
	for _, op := range cs.Operations {
		for _, operand := range op.Operands {
			_ = operand.Write(&buf)
			buf.WriteByte(' ')
		}
		buf.WriteString(string(op.Operator))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func nums(vals ...float64) []generic.PdfObject {
	out := make([]generic.PdfObject, len(vals))
	for i, v := range vals {
		out[i] = generic.RealObject(v)
	}
	return out
}

// ContentBuilder provides a fluent interface for building content streams.
type ContentBuilder struct {
	stream *ContentStream
}

// NewContentBuilder creates a new content builder.
func NewContentBuilder() *ContentBuilder {
	return &ContentBuilder{stream: NewContentStream()}
}

func (cb *ContentBuilder) op(op Operator, operands ...generic.PdfObject) *ContentBuilder {
	cb.stream.AddOperation(op, operands...)
	return cb
}

// SaveState saves the graphics state.
func (cb *ContentBuilder) SaveState() *ContentBuilder { return cb.op(OpSaveState) }

// RestoreState restores the graphics state.
func (cb *ContentBuilder) RestoreState() *ContentBuilder { return cb.op(OpRestoreState) }

// Transform concatenates a matrix to the CTM.
func (cb *ContentBuilder) Transform(a, b, c, d, e, f float64) *ContentBuilder {
	return cb.op(OpSetCTM, nums(a, b, c, d, e, f)...)
}

// Rectangle appends a rectangle to the current path.
func (cb *ContentBuilder) Rectangle(x, y, width, height float64) *ContentBuilder {
	return cb.op(OpRectangle, nums(x, y, width, height)...)
}

func (cb *ContentBuilder) Stroke() *ContentBuilder { return cb.op(OpStroke) }
func (cb *ContentBuilder) Fill() *ContentBuilder   { return cb.op(OpFill) }

// Clip intersects the clipping path with the current path and ends it.
func (cb *ContentBuilder) Clip() *ContentBuilder {
	cb.op(OpClip)
	return cb.op(OpEndPath)
}

func (cb *ContentBuilder) BeginText() *ContentBuilder { return cb.op(OpBeginText) }
func (cb *ContentBuilder) EndText() *ContentBuilder   { return cb.op(OpEndText) }

// SetFont selects a font resource and size.
func (cb *ContentBuilder) SetFont(font string, size float64) *ContentBuilder {
	return cb.op(OpSetFont, generic.NameObject(font), generic.RealObject(size))
}

// TextPosition moves to the start of the next line offset by (x, y).
func (cb *ContentBuilder) TextPosition(x, y float64) *ContentBuilder {
	return cb.op(OpTextMove, nums(x, y)...)
}

// ShowText shows already encoded text bytes.
func (cb *ContentBuilder) ShowText(encoded []byte) *ContentBuilder {
	return cb.op(OpShowText, &generic.StringObject{Value: encoded})
}

// ShowHexText shows encoded text bytes written as a hex string.
func (cb *ContentBuilder) ShowHexText(encoded []byte) *ContentBuilder {
	return cb.op(OpShowText, generic.NewHexString(encoded))
}

func (cb *ContentBuilder) SetStrokeColor(r, g, b float64) *ContentBuilder {
	return cb.op(OpSetStrokeRGB, nums(r, g, b)...)
}

func (cb *ContentBuilder) SetFillColor(r, g, b float64) *ContentBuilder {
	return cb.op(OpSetFillRGB, nums(r, g, b)...)
}

func (cb *ContentBuilder) SetFillGray(gray float64) *ContentBuilder {
	return cb.op(OpSetFillGray, generic.RealObject(gray))
}

func (cb *ContentBuilder) SetLineWidth(width float64) *ContentBuilder {
	return cb.op(OpSetLineWidth, generic.RealObject(width))
}

// PaintXObject paints a named XObject resource.
func (cb *ContentBuilder) PaintXObject(name string) *ContentBuilder {
	return cb.op(OpPaintXObject, generic.NameObject(name))
}

// Build returns the built content stream.
func (cb *ContentBuilder) Build() *ContentStream { return cb.stream }

// Render renders the built content stream to bytes.
func (cb *ContentBuilder) Render() []byte { return cb.stream.Render() }
