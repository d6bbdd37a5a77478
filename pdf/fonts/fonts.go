// Package fonts provides metrics and encoding for the standard Helvetica
// font used in signature appearances.
package fonts

import (
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
)

// StandardFont represents a PDF standard font name.
type StandardFont string

const (
	Helvetica     StandardFont = "Helvetica"
	HelveticaBold StandardFont = "Helvetica-Bold"
)

// FontMetrics holds font metrics for text layout, in glyph space units.
type FontMetrics struct {
	Ascender     float64
	Descender    float64
	UnitsPerEm   float64
	DefaultWidth float64
	// widths indexed by WinAnsi code
	widths [256]float64
}

// helveticaASCII holds widths for codes 32..126.
var helveticaASCII = [...]float64{
	278, 278, 355, 556, 556, 889, 667, 191, 333, 333, 389, 584, 278, 333, 278, 278, // space - /
	556, 556, 556, 556, 556, 556, 556, 556, 556, 556, 278, 278, 584, 584, 584, 556, // 0 - ?
	1015, 667, 667, 722, 722, 667, 611, 778, 722, 278, 500, 667, 556, 833, 722, 778, // @ - O
	667, 778, 722, 667, 611, 722, 667, 944, 667, 667, 611, 278, 278, 278, 469, 556, // P - _
	333, 556, 556, 500, 556, 556, 278, 556, 556, 222, 222, 500, 222, 833, 556, 556, // ` - o
	556, 556, 333, 500, 278, 556, 500, 722, 500, 500, 500, 334, 260, 334, 584, // p - ~
}

// helveticaBoldASCII holds widths for codes 32..126.
var helveticaBoldASCII = [...]float64{
	278, 333, 474, 556, 556, 889, 722, 238, 333, 333, 389, 584, 278, 333, 278, 278,
	556, 556, 556, 556, 556, 556, 556, 556, 556, 556, 333, 333, 584, 584, 584, 611,
	975, 722, 722, 722, 722, 667, 611, 778, 722, 278, 556, 722, 611, 833, 722, 778,
	667, 778, 722, 667, 611, 722, 667, 944, 667, 667, 611, 333, 278, 333, 584, 556,
	333, 556, 611, 556, 611, 556, 333, 611, 611, 278, 278, 556, 278, 889, 611, 611,
	611, 611, 389, 556, 333, 611, 556, 778, 556, 556, 500, 389, 280, 389, 584,
}

var (
	helvetica     = newMetrics(helveticaASCII[:])
	helveticaBold = newMetrics(helveticaBoldASCII[:])
)

func newMetrics(ascii []float64) *FontMetrics {
	m := &FontMetrics{
		Ascender:     718,
		Descender:    -207,
		UnitsPerEm:   1000,
		DefaultWidth: 556,
	}
	for i := range m.widths {
		m.widths[i] = m.DefaultWidth
	}
	copy(m.widths[32:], ascii)
	m.widths[0xA0] = m.widths[' ']
	return m
}

// Metrics returns the metrics of a standard font. Unknown names fall back
// to Helvetica.
func Metrics(name StandardFont) *FontMetrics {
	if name == HelveticaBold {
		return helveticaBold
	}
	return helvetica
}

// CodeWidth returns the width of a single-byte character code.
func (m *FontMetrics) CodeWidth(code byte) float64 {
	return m.widths[code]
}

// StringWidth calculates the width of s at the given font size.
func (m *FontMetrics) StringWidth(s string, fontSize float64) float64 {
	var width float64
	for _, c := range EncodeWinAnsi(s) {
		width += m.widths[c]
	}
	return width * fontSize / m.UnitsPerEm
}

// LineHeight returns the line height at the given font size.
func (m *FontMetrics) LineHeight(fontSize float64) float64 {
	return (m.Ascender - m.Descender) * fontSize / m.UnitsPerEm
}

// EncodeWinAnsi converts s to WinAnsiEncoding. Runes outside the code page
// are replaced by '?'.
func EncodeWinAnsi(s string) []byte {
	s = norm.NFC.String(s)
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := charmap.Windows1252.EncodeRune(r)
		if !ok {
			b = '?'
		}
		out = append(out, b)
	}
	return out
}

// DecodeWinAnsi converts WinAnsiEncoding bytes back to a string.
func DecodeWinAnsi(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = charmap.Windows1252.DecodeByte(c)
	}
	return string(runes)
}

// IsWinAnsi reports whether s can be encoded without replacement.
func IsWinAnsi(s string) bool {
	for _, r := range norm.NFC.String(s) {
		if _, ok := charmap.Windows1252.EncodeRune(r); !ok {
			return false
		}
	}
	return true
}

// Dictionary returns a simple Type1 font dictionary for a standard font.
func Dictionary(name StandardFont) *generic.DictionaryObject {
	d := generic.NewDictionary()
	d.Set("Type", generic.NameObject("Font"))
	d.Set("Subtype", generic.NameObject("Type1"))
	d.Set("BaseFont", generic.NameObject(name))
	d.Set("Encoding", generic.NameObject("WinAnsiEncoding"))
	return d
}
