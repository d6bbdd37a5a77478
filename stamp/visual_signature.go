package stamp

import (
	"errors"
	"math"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/content"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/images"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/qr"
)

// ErrInvalidSize is returned for a non-positive appearance box.
var ErrInvalidSize = errors.New("stamp: appearance box must have positive width and height")

// ImageTextPosition places the graphic relative to the text.
type ImageTextPosition int

const (
	// ImageTextPositionLeft puts the graphic left of the text.
	ImageTextPositionLeft ImageTextPosition = iota
	// ImageTextPositionAbove puts the graphic above the text.
	ImageTextPositionAbove
	// ImageTextPositionBackground draws the text over the graphic.
	ImageTextPositionBackground
)

// VisualSignatureConfig configures a visual signature appearance.
type VisualSignatureConfig struct {
	// Lines are shown top to bottom.
	Lines    []string
	Encoding Encoding

	// At most one of Image and QR is drawn; Image wins.
	Image *images.PDFImage
	QR    *qr.QRCode

	ImagePosition ImageTextPosition
	// Share of the box given to the graphic when text is present
	ImageRatio float64
	Separation float64

	TextStyle *StampStyle
}

// DefaultVisualSignatureConfig returns the default configuration.
func DefaultVisualSignatureConfig() *VisualSignatureConfig {
	return &VisualSignatureConfig{
		ImagePosition: ImageTextPositionLeft,
		ImageRatio:    0.4,
		Separation:    2,
		TextStyle:     DefaultStampStyle(),
	}
}

type box struct{ x, y, w, h float64 }

// VisualSignature is a laid out signature appearance.
type VisualSignature struct {
	Config *VisualSignatureConfig
	Width  float64
	Height float64

	graphic  box
	text     box
	fontSize float64
}

// NewVisualSignature lays out a width × height appearance.
func NewVisualSignature(width, height float64, config *VisualSignatureConfig) (*VisualSignature, error) {
	if width <= 0 || height <= 0 || math.IsNaN(width) || math.IsNaN(height) {
		return nil, ErrInvalidSize
	}
	if config == nil {
		config = DefaultVisualSignatureConfig()
	}
	if config.TextStyle == nil {
		config.TextStyle = DefaultStampStyle()
	}
	vs := &VisualSignature{Config: config, Width: width, Height: height}
	vs.calculateLayout()
	vs.fitText()
	return vs, nil
}

func (vs *VisualSignature) hasGraphic() bool {
	return vs.Config.Image != nil || vs.Config.QR != nil
}

func (vs *VisualSignature) calculateLayout() {
	cfg := vs.Config
	pad := cfg.TextStyle.Padding
	avail := box{pad, pad, vs.Width - 2*pad, vs.Height - 2*pad}
	if avail.w <= 0 || avail.h <= 0 {
		avail = box{0, 0, vs.Width, vs.Height}
	}

	switch {
	case !vs.hasGraphic():
		vs.text = avail
	case len(cfg.Lines) == 0 || cfg.ImagePosition == ImageTextPositionBackground:
		vs.graphic, vs.text = avail, avail
	case cfg.ImagePosition == ImageTextPositionAbove:
		gh := avail.h * cfg.ImageRatio
		vs.graphic = box{avail.x, avail.y + avail.h - gh, avail.w, gh}
		vs.text = box{avail.x, avail.y, avail.w, math.Max(avail.h-gh-cfg.Separation, 0)}
	default:
		gw := avail.w * cfg.ImageRatio
		vs.graphic = box{avail.x, avail.y, gw, avail.h}
		vs.text = box{avail.x + gw + cfg.Separation, avail.y, math.Max(avail.w-gw-cfg.Separation, 0), avail.h}
	}
}

// fitText picks the largest font size, starting from the style size, at
// which every line fits the text box.
func (vs *VisualSignature) fitText() {
	st := vs.Config.TextStyle
	minSize := st.MinFontSize
	if minSize <= 0 {
		minSize = 1
	}
	size := st.FontSize
	for ; size > minSize; size -= 0.5 {
		if vs.textFits(size) {
			break
		}
	}
	vs.fontSize = math.Max(size, minSize)
}

func (vs *VisualSignature) textFits(size float64) bool {
	st := vs.Config.TextStyle
	n := float64(len(vs.Config.Lines))
	if n*size*st.Leading > vs.text.h+1e-9 {
		return false
	}
	for _, line := range vs.Config.Lines {
		if _, w := encodeText(vs.Config.Encoding, st.FontName, line, size); w > vs.text.w+1e-9 {
			return false
		}
	}
	return true
}

// FontSize returns the font size chosen by the layout.
func (vs *VisualSignature) FontSize() float64 { return vs.fontSize }

// Render renders the appearance content stream.
func (vs *VisualSignature) Render() []byte {
	cfg := vs.Config
	st := cfg.TextStyle
	cb := content.NewContentBuilder().SaveState()

	if st.BorderWidth > 0 {
		r, g, b := rgb(st.BorderColor)
		half := st.BorderWidth / 2
		cb.SetStrokeColor(r, g, b).
			SetLineWidth(st.BorderWidth).
			Rectangle(half, half, vs.Width-st.BorderWidth, vs.Height-st.BorderWidth).
			Stroke()
	}

	out := cb.Render()
	switch {
	case cfg.Image != nil:
		w, h := float64(cfg.Image.Width), float64(cfg.Image.Height)
		scale := math.Min(vs.graphic.w/w, vs.graphic.h/h)
		iw, ih := w*scale, h*scale
		out = append(out, content.NewContentBuilder().
			SaveState().
			Transform(iw, 0, 0, ih, vs.graphic.x+(vs.graphic.w-iw)/2, vs.graphic.y+(vs.graphic.h-ih)/2).
			PaintXObject("Img0").
			RestoreState().
			Render()...)
	case cfg.QR != nil:
		side := math.Min(vs.graphic.w, vs.graphic.h)
		out = append(out, cfg.QR.RenderPDF(vs.graphic.x+(vs.graphic.w-side)/2, vs.graphic.y+(vs.graphic.h-side)/2, side)...)
	}

	if len(cfg.Lines) > 0 {
		r, g, b := rgb(st.TextColor)
		tb := content.NewContentBuilder().
			SetFillColor(r, g, b).
			BeginText().
			SetFont("F1", vs.fontSize)
		step := vs.fontSize * st.Leading
		for i, line := range cfg.Lines {
			text, _ := encodeText(cfg.Encoding, st.FontName, line, vs.fontSize)
			if i == 0 {
				tb.TextPosition(vs.text.x, vs.text.y+vs.text.h-vs.fontSize)
			} else {
				tb.TextPosition(0, -step)
			}
			if cfg.Encoding == EncodingUTF16 {
				tb.ShowHexText(text)
			} else {
				tb.ShowText(text)
			}
		}
		out = append(out, tb.EndText().Render()...)
	}

	return append(out, content.NewContentBuilder().RestoreState().Render()...)
}

// Embed adds the Form XObject, its image and font resources through add
// and returns the form reference.
func (vs *VisualSignature) Embed(add func(generic.PdfObject) generic.Reference) generic.Reference {
	resources := generic.NewDictionary()
	if len(vs.Config.Lines) > 0 {
		fontDict := generic.NewDictionary()
		fontDict.Set("F1", add(fontResource(vs.Config.Encoding, vs.Config.TextStyle.FontName)))
		resources.Set("Font", fontDict)
	}
	if vs.Config.Image != nil {
		xobjects := generic.NewDictionary()
		xobjects.Set("Img0", vs.Config.Image.Embed(add))
		resources.Set("XObject", xobjects)
	}
	return add(FormXObject(vs.Width, vs.Height, resources, vs.Render()))
}

// FormXObject wraps content in a Form XObject with the given bounding box.
func FormXObject(width, height float64, resources *generic.DictionaryObject, data []byte) *generic.StreamObject {
	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("XObject"))
	dict.Set("Subtype", generic.NameObject("Form"))
	dict.Set("FormType", generic.IntegerObject(1))
	dict.Set("BBox", generic.NewArray(generic.IntegerObject(0), generic.IntegerObject(0), generic.RealObject(width), generic.RealObject(height)))
	if resources == nil {
		resources = generic.NewDictionary()
	}
	dict.Set("Resources", resources)
	return generic.NewStream(dict, data)
}

// Blank returns an empty Form XObject, used as the normal appearance of
// invisible signatures.
func Blank() *generic.StreamObject {
	return FormXObject(0, 0, nil, nil)
}
