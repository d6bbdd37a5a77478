// Package stamp builds signature appearance streams.
package stamp

import (
	"image/color"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/fonts"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
)

// Encoding selects how appearance text is mapped to glyphs.
type Encoding int

const (
	// EncodingWinAnsi shows text with a standard Helvetica font.
	EncodingWinAnsi Encoding = iota
	// EncodingUTF16 shows text as UTF-16BE through a Type0 font with a
	// predefined Unicode CMap.
	EncodingUTF16
)

func (e Encoding) String() string {
	if e == EncodingUTF16 {
		return "utf16"
	}
	return "winansi"
}

const (
	unicodeFont = "STSong-Light"
	unicodeCMap = "UniGB-UTF16-H"
)

// StampStyle configures the appearance of a stamp.
type StampStyle struct {
	BorderColor color.RGBA
	// Border width in points, 0 for none
	BorderWidth float64
	TextColor   color.RGBA
	// Font size in points; shrunk when the text does not fit
	FontSize float64
	// Minimum font size when shrinking
	MinFontSize float64
	FontName    fonts.StandardFont
	Padding     float64
	// Line height as a multiple of the font size
	Leading float64
}

// DefaultStampStyle returns the default stamp style.
func DefaultStampStyle() *StampStyle {
	return &StampStyle{
		BorderColor: color.RGBA{0, 0, 0, 255},
		TextColor:   color.RGBA{0, 0, 0, 255},
		FontSize:    10,
		MinFontSize: 2,
		FontName:    fonts.Helvetica,
		Padding:     2,
		Leading:     1.2,
	}
}

func rgb(c color.RGBA) (float64, float64, float64) {
	return float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255
}

// fontResource returns the font dictionary for an encoding.
func fontResource(enc Encoding, name fonts.StandardFont) *generic.DictionaryObject {
	if enc != EncodingUTF16 {
		return fonts.Dictionary(name)
	}

	info := generic.NewDictionary()
	info.Set("Registry", generic.NewLiteralString("Adobe"))
	info.Set("Ordering", generic.NewLiteralString("GB1"))
	info.Set("Supplement", generic.IntegerObject(4))

	desc := generic.NewDictionary()
	desc.Set("Type", generic.NameObject("FontDescriptor"))
	desc.Set("FontName", generic.NameObject(unicodeFont))
	desc.Set("Flags", generic.IntegerObject(6))
	desc.Set("FontBBox", generic.NewArray(generic.IntegerObject(-25), generic.IntegerObject(-254), generic.IntegerObject(1000), generic.IntegerObject(880)))
	desc.Set("ItalicAngle", generic.IntegerObject(0))
	desc.Set("Ascent", generic.IntegerObject(880))
	desc.Set("Descent", generic.IntegerObject(-120))
	desc.Set("CapHeight", generic.IntegerObject(880))
	desc.Set("StemV", generic.IntegerObject(93))

	cid := generic.NewDictionary()
	cid.Set("Type", generic.NameObject("Font"))
	cid.Set("Subtype", generic.NameObject("CIDFontType0"))
	cid.Set("BaseFont", generic.NameObject(unicodeFont))
	cid.Set("CIDSystemInfo", info)
	cid.Set("FontDescriptor", desc)
	cid.Set("DW", generic.IntegerObject(1000))

	d := generic.NewDictionary()
	d.Set("Type", generic.NameObject("Font"))
	d.Set("Subtype", generic.NameObject("Type0"))
	d.Set("BaseFont", generic.NameObject(unicodeFont+"-"+unicodeCMap))
	d.Set("Encoding", generic.NameObject(unicodeCMap))
	d.Set("DescendantFonts", generic.NewArray(cid))
	return d
}

// encodeText returns the string operand bytes for a line and its width at
// size.
func encodeText(enc Encoding, name fonts.StandardFont, s string, size float64) ([]byte, float64) {
	if enc == EncodingUTF16 {
		b := generic.EncodeUTF16BE(s)[2:]
		// DW 1000 for every glyph
		return b, float64(len(b)/2) * size
	}
	return fonts.EncodeWinAnsi(s), fonts.Metrics(name).StringWidth(s, size)
}
