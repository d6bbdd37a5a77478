package filters_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/filters"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
)

func TestDecodeStream_FilterChain(t *testing.T) {
	plain := []byte("BT /F1 12 Tf (Hello) Tj ET")
	deflated, err := filters.Deflate(plain)
	require.NoError(t, err)

	hexed, err := mustFilter(t, "ASCIIHexDecode").Encode(deflated, nil)
	require.NoError(t, err)

	dict := generic.NewDictionary()
	dict.Set("Filter", generic.ArrayObject{generic.NameObject("AHx"), generic.NameObject("FlateDecode")})
	out, err := filters.DecodeStream(generic.NewStream(dict, hexed))
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecodeStream_PNGPredictor(t *testing.T) {
	// Two rows of three bytes, encoded with PNG "Up" (2) and "Sub" (1).
	raw := []byte{
		2, 1, 2, 3,
		1, 5, 1, 1,
	}
	deflated, err := filters.Deflate(raw)
	require.NoError(t, err)

	parms := generic.NewDictionary()
	parms.Set("Predictor", generic.IntegerObject(12))
	parms.Set("Columns", generic.IntegerObject(3))
	dict := generic.NewDictionary()
	dict.Set("Filter", generic.NameObject("FlateDecode"))
	dict.Set("DecodeParms", parms)

	out, err := filters.DecodeStream(generic.NewStream(dict, deflated))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 5, 6, 7}, out)
}

func TestRunLength_RoundTrip(t *testing.T) {
	f := mustFilter(t, "RunLengthDecode")
	data := []byte("aaaaaaaaaabcdefg")
	enc, err := f.Encode(data, nil)
	require.NoError(t, err)
	dec, err := f.Decode(enc, nil)
	require.NoError(t, err)
	assert.Equal(t, data, dec)

	// 0xFD repeats the next byte 257-253 = 4 times.
	dec, err = f.Decode([]byte{0xFD, 'x', 128}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("xxxx"), dec)
}

func TestASCII85_Decode(t *testing.T) {
	out, err := mustFilter(t, "A85").Decode([]byte("<~87cURD]i,\"Ebo80~>"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello World"), out)
}

func TestImageFiltersPassThrough(t *testing.T) {
	dict := generic.NewDictionary()
	dict.Set("Filter", generic.NameObject("DCTDecode"))
	out, err := filters.DecodeStream(generic.NewStream(dict, []byte{0xFF, 0xD8}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, out)
}

func TestGet_Unsupported(t *testing.T) {
	_, err := filters.Get("Crypt")
	assert.ErrorIs(t, err, filters.ErrUnsupportedFilter)
}

func mustFilter(t *testing.T, name string) filters.Filter {
	t.Helper()
	f, err := filters.Get(name)
	require.NoError(t, err)
	return f
}
