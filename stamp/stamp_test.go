package stamp

import (
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/images"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/qr"
)

type collector struct {
	objs []generic.PdfObject
}

func (c *collector) add(obj generic.PdfObject) generic.Reference {
	c.objs = append(c.objs, obj)
	return generic.NewReference(len(c.objs), 0)
}

func TestNewVisualSignature_InvalidSize(t *testing.T) {
	_, err := NewVisualSignature(0, 10, nil)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = NewVisualSignature(10, -1, nil)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestVisualSignature_TextOnly(t *testing.T) {
	cfg := DefaultVisualSignatureConfig()
	cfg.Lines = []string{"Digitally signed by Tester", "Reason: approval"}

	vs, err := NewVisualSignature(200, 50, cfg)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, vs.FontSize(), 1e-9)

	out := string(vs.Render())
	assert.True(t, strings.HasPrefix(out, "q\n"))
	assert.Contains(t, out, "/F1 10 Tf\n")
	assert.Contains(t, out, "(Digitally signed by Tester) Tj\n")
	assert.Contains(t, out, "0 -12 Td\n")
	assert.True(t, strings.HasSuffix(out, "ET\nQ\n"))
}

func TestVisualSignature_ShrinksToFit(t *testing.T) {
	cfg := DefaultVisualSignatureConfig()
	cfg.Lines = []string{"a rather long line of text that will not fit"}

	vs, err := NewVisualSignature(50, 50, cfg)
	require.NoError(t, err)
	assert.Less(t, vs.FontSize(), 10.0)
	assert.GreaterOrEqual(t, vs.FontSize(), 2.0)
}

func TestVisualSignature_ImageLayout(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 10, 20))
	src.Set(0, 0, color.NRGBA{A: 0x40})
	img, err := images.FromImage(src)
	require.NoError(t, err)

	cfg := DefaultVisualSignatureConfig()
	cfg.Image = img
	cfg.Lines = []string{"x"}

	vs, err := NewVisualSignature(100, 40, cfg)
	require.NoError(t, err)
	assert.Contains(t, string(vs.Render()), "/Img0 Do\n")

	c := &collector{}
	ref := vs.Embed(c.add)
	// font, soft mask, image, form
	require.Len(t, c.objs, 4)
	assert.Equal(t, generic.NewReference(4, 0), ref)

	form := c.objs[3].(*generic.StreamObject)
	assert.Equal(t, "Form", form.Dictionary.GetName("Subtype"))
	res := form.Dictionary.GetDict("Resources")
	assert.Equal(t, generic.NewReference(3, 0), res.GetDict("XObject").Get("Img0"))
	assert.Equal(t, generic.NewReference(1, 0), res.GetDict("Font").Get("F1"))
}

func TestVisualSignature_QROnly(t *testing.T) {
	code, err := qr.NewQRCode("https://example.test", qr.ECLevelM)
	require.NoError(t, err)

	cfg := DefaultVisualSignatureConfig()
	cfg.QR = code
	vs, err := NewVisualSignature(60, 60, cfg)
	require.NoError(t, err)

	out := string(vs.Render())
	assert.Contains(t, out, " re\n")
	assert.NotContains(t, out, "BT")

	c := &collector{}
	vs.Embed(c.add)
	require.Len(t, c.objs, 1)
	assert.False(t, c.objs[0].(*generic.StreamObject).Dictionary.GetDict("Resources").Has("Font"))
}

func TestUTF16FontResource(t *testing.T) {
	cfg := DefaultVisualSignatureConfig()
	cfg.Encoding = EncodingUTF16
	cfg.Lines = []string{"東京"}

	vs, err := NewVisualSignature(100, 30, cfg)
	require.NoError(t, err)
	assert.Contains(t, string(vs.Render()), "<67714eac> Tj\n")

	font := fontResource(EncodingUTF16, "")
	assert.Equal(t, "Type0", font.GetName("Subtype"))
	assert.Equal(t, unicodeCMap, font.GetName("Encoding"))
	assert.Equal(t, "utf16", EncodingUTF16.String())
}

func TestBlank(t *testing.T) {
	b := Blank()
	assert.Empty(t, b.Data)
	assert.Equal(t, "Form", b.Dictionary.GetName("Subtype"))
}
