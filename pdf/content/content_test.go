package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signpdfkit/SignPDFKit-Lib/internal/testpdf"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/reader"
)

func TestContentBuilder_Render(t *testing.T) {
	out := NewContentBuilder().
		SaveState().
		SetFillColor(1, 0, 0).
		Rectangle(0, 0, 100.5, 50).
		Fill().
		BeginText().
		SetFont("F1", 8).
		TextPosition(2, 40).
		ShowText([]byte("a(b)")).
		EndText().
		PaintXObject("Img0").
		RestoreState().
		Render()

	assert.Equal(t, "q\n1 0 0 rg\n0 0 100.5 50 re\nf\nBT\n/F1 8 Tf\n2 40 Td\n(a\\(b\\)) Tj\nET\n/Img0 Do\nQ\n", string(out))
}

func TestParse_Operations(t *testing.T) {
	cs, err := Parse([]byte("q 1 0 0 1 10 20 cm BT /F1 12 Tf [(A) -250 (B)] TJ ET Q % comment\n"))
	require.NoError(t, err)

	ops := make([]Operator, len(cs.Operations))
	for i, op := range cs.Operations {
		ops[i] = op.Operator
	}
	assert.Equal(t, []Operator{OpSaveState, OpSetCTM, OpBeginText, OpSetFont, OpShowTextArray, OpEndText, OpRestoreState}, ops)
	assert.Len(t, cs.Operations[1].Operands, 6)
	assert.Equal(t, generic.NameObject("F1"), cs.Operations[3].Operands[0])
}

func TestParse_RoundTrip(t *testing.T) {
	src := NewContentBuilder().SaveState().Transform(2, 0, 0, 2, 5, 5).PaintXObject("X").RestoreState().Render()
	cs, err := Parse(src)
	require.NoError(t, err)
	assert.Equal(t, src, cs.Render())
}

func TestParse_SkipsInlineImage(t *testing.T) {
	src := []byte("q BI /W 2 /H 1 /BPC 8 /CS /G ID \x00EI\xff EI Q BT (x) Tj ET")
	cs, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, cs.Operations, 6)
	assert.Equal(t, OpEndInlineImage, cs.Operations[1].Operator)
	assert.Equal(t, OpRestoreState, cs.Operations[2].Operator)

	_, err = Parse([]byte("BI /W 1 ID abc"))
	assert.ErrorIs(t, err, generic.ErrInvalidStream)
}

func TestMatrix(t *testing.T) {
	m := translate(10, 20).Multiply(Matrix{2, 0, 0, 2, 0, 0})
	x, y := m.Apply(1, 1)
	assert.InDelta(t, 22.0, x, 1e-9)
	assert.InDelta(t, 42.0, y, 1e-9)
}

func TestFindChar(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		ch     rune
		found  bool
		x, y   float64
		size   float64
	}{
		{
			name:   "after Td",
			stream: "BT /F1 10 Tf 100 200 Td (ab#) Tj ET",
			ch:     '#',
			found:  true,
			x:      100 + (556+556)*10.0/1000,
			y:      200,
			size:   10,
		},
		{
			name:   "scaled by cm",
			stream: "q 2 0 0 2 0 0 cm BT /F1 10 Tf 10 10 Td (#) Tj ET Q",
			ch:     '#',
			found:  true,
			x:      20,
			y:      20,
			size:   20,
		},
		{
			name:   "TJ kerning",
			stream: "BT /F1 10 Tf 1 0 0 1 0 0 Tm [(a) -1000 (#)] TJ ET",
			ch:     '#',
			found:  true,
			x:      5.56 + 10,
			y:      0,
			size:   10,
		},
		{
			name:   "next line",
			stream: "BT /F1 10 Tf 14 TL 50 100 Td (x) Tj T* (#) Tj ET",
			ch:     '#',
			found:  true,
			x:      50,
			y:      86,
			size:   10,
		},
		{
			name:   "absent",
			stream: "BT /F1 10 Tf (abc) Tj ET",
			ch:     '#',
		},
		{
			name:   "not encodable",
			stream: "BT /F1 10 Tf (abc) Tj ET",
			ch:     '東',
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, ok, err := FindChar([]byte(tc.stream), tc.ch, nil)
			require.NoError(t, err)
			require.Equal(t, tc.found, ok)
			if !ok {
				return
			}
			assert.InDelta(t, tc.x, m.X, 1e-6)
			assert.InDelta(t, tc.y, m.Y, 1e-6)
			assert.InDelta(t, tc.size, m.FontSize, 1e-6)
		})
	}
}

func TestPageWidths(t *testing.T) {
	r, err := reader.Parse(testpdf.Build(testpdf.Default()))
	require.NoError(t, err)
	page, err := r.Page(0)
	require.NoError(t, err)
	data, err := r.PageContents(page)
	require.NoError(t, err)

	m, ok, err := FindChar(data, '#', PageWidths(r, page.Resources))
	require.NoError(t, err)
	require.True(t, ok)
	// "Signed by: " in Helvetica at 12pt
	assert.InDelta(t, 72+5003*12.0/1000, m.X, 1e-6)
	assert.InDelta(t, 700.0, m.Y, 1e-6)
}
