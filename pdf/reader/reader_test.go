package reader_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signpdfkit/SignPDFKit-Lib/internal/testpdf"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/reader"
	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
)

func TestParse_XRefVariants(t *testing.T) {
	tests := []struct {
		name       string
		xrefStream bool
	}{
		{"classic table", false},
		{"xref stream with object stream", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := testpdf.Default()
			opts.Pages = 3
			opts.XRefStream = tc.xrefStream

			r, err := reader.Parse(testpdf.Build(opts))
			require.NoError(t, err)

			assert.Equal(t, "1.7", r.Version)
			assert.Equal(t, "Catalog", r.Root.GetName("Type"))
			require.Len(t, r.Pages, 3)
			assert.InDelta(t, 612.0, r.Pages[2].MediaBox.Width(), 1e-9)
			require.Len(t, r.Sections, 1)
			assert.Equal(t, tc.xrefStream, r.Sections[0].IsStream)

			content, err := r.PageContents(r.Pages[0])
			require.NoError(t, err)
			assert.Contains(t, string(content), "(Signed by: # here) Tj")
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	good := testpdf.Build(testpdf.Default())

	tests := []struct {
		name string
		data []byte
	}{
		{"no header", bytes.Replace(good, []byte("%PDF-1.7"), []byte("%XYZ-1.7"), 1)},
		{"no startxref", bytes.Replace(good, []byte("startxref"), []byte("startxrex"), 1)},
		{"startxref out of range", append(bytes.TrimSuffix(good, []byte("%%EOF\n")), []byte("startxref\n999999\n%%EOF\n")...)},
		{"encrypted", bytes.Replace(good, []byte("/Root 1 0 R"), []byte("/Root 1 0 R /Encrypt 9 0 R"), 1)},
		{"missing root", bytes.Replace(good, []byte("/Root 1 0 R"), []byte("/Root 77 0 R"), 1)},
		{"catalog generation mismatch", bytes.Replace(good, []byte("\n1 0 obj"), []byte("\n1 4 obj"), 1)},
		{"page generation mismatch", bytes.Replace(good, []byte("\n4 0 obj"), []byte("\n4 1 obj"), 1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reader.Parse(tc.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, sigerr.ErrMalformedStructure)
		})
	}
}

func TestParse_PrevLoopIsRejected(t *testing.T) {
	good := testpdf.Build(testpdf.Default())
	r, err := reader.Parse(good)
	require.NoError(t, err)

	looped := bytes.Replace(good, []byte("/Root 1 0 R >>"), []byte("/Root 1 0 R /Prev "+itoa(r.StartXRef)+" >>"), 1)
	// Keep startxref pointing to the (shifted) table.
	_, err = reader.Parse(looped)
	require.Error(t, err)
	assert.ErrorIs(t, err, sigerr.ErrMalformedStructure)
}

func TestGetObject_NotFound(t *testing.T) {
	r, err := reader.Parse(testpdf.Build(testpdf.Default()))
	require.NoError(t, err)

	_, err = r.GetObject(999)
	assert.ErrorIs(t, err, reader.ErrObjectNotFound)
	assert.Nil(t, r.Resolve(generic.NewReference(999, 0)))
}

func TestPage_OutOfRange(t *testing.T) {
	r, err := reader.Parse(testpdf.Build(testpdf.Default()))
	require.NoError(t, err)

	_, err = r.Page(1)
	require.Error(t, err)
	p, err := r.Page(0)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Ref.ObjectNumber)
}

func TestSignatureFields_EmptyDocument(t *testing.T) {
	r, err := reader.Parse(testpdf.Build(testpdf.Default()))
	require.NoError(t, err)

	fields, err := r.SignatureFields()
	require.NoError(t, err)
	assert.Empty(t, fields)

	dss, ref := r.DSS()
	assert.Nil(t, dss)
	assert.Nil(t, ref)
}

func itoa(n int64) string {
	return string(generic.Serialize(generic.IntegerObject(n)))
}
