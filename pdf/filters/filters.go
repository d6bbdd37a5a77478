// Package filters implements the PDF stream filters needed to read object
// streams, xref streams, page content and images.
package filters

import (
	"bytes"
	"compress/lzw"
	"encoding/ascii85"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	tifflzw "golang.org/x/image/tiff/lzw"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
)

// Common errors
var (
	ErrUnsupportedFilter = errors.New("unsupported filter")
	ErrDecodeFailed      = errors.New("decode failed")
)

// maxDecodedSize bounds the output of a single decode to guard against
// decompression bombs in hostile documents.
const maxDecodedSize = 256 << 20

// Filter is a PDF stream filter.
type Filter interface {
	Name() string
	Decode(data []byte, params *generic.DictionaryObject) ([]byte, error)
	Encode(data []byte, params *generic.DictionaryObject) ([]byte, error)
}

var registry = map[string]Filter{
	"FlateDecode":     flateFilter{},
	"Fl":              flateFilter{},
	"LZWDecode":       lzwFilter{},
	"LZW":             lzwFilter{},
	"ASCIIHexDecode":  asciiHexFilter{},
	"AHx":             asciiHexFilter{},
	"ASCII85Decode":   ascii85Filter{},
	"A85":             ascii85Filter{},
	"RunLengthDecode": runLengthFilter{},
	"RL":              runLengthFilter{},
}

// Get returns the filter registered under name.
func Get(name string) (Filter, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilter, name)
	}
	return f, nil
}

// IsImageFilter reports whether name is an image codec that is passed
// through undecoded (the consumer handles the payload itself).
func IsImageFilter(name string) bool {
	switch name {
	case "DCTDecode", "DCT", "JPXDecode", "CCITTFaxDecode", "CCF", "JBIG2Decode":
		return true
	}
	return false
}

// DecodeStream applies the stream's /Filter chain and returns the decoded data.
// Image codecs at the end of the chain are left in place.
func DecodeStream(s *generic.StreamObject) ([]byte, error) {
	names, params := filterChain(s.Dictionary)
	data := s.Data
	for i, name := range names {
		if IsImageFilter(name) {
			break
		}
		f, err := Get(name)
		if err != nil {
			return nil, err
		}
		data, err = f.Decode(data, params[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return data, nil
}

func filterChain(dict *generic.DictionaryObject) ([]string, []*generic.DictionaryObject) {
	var names []string
	switch f := dict.Get("Filter").(type) {
	case generic.NameObject:
		names = []string{string(f)}
	case generic.ArrayObject:
		for _, item := range f {
			if n, ok := item.(generic.NameObject); ok {
				names = append(names, string(n))
			}
		}
	}
	params := make([]*generic.DictionaryObject, len(names))
	switch p := dict.Get("DecodeParms").(type) {
	case *generic.DictionaryObject:
		if len(params) > 0 {
			params[0] = p
		}
	case generic.ArrayObject:
		for i := range params {
			if i < len(p) {
				params[i], _ = p[i].(*generic.DictionaryObject)
			}
		}
	}
	return names, params
}

// Deflate compresses data with zlib at the default level.
func Deflate(data []byte) ([]byte, error) {
	return flateFilter{}.Encode(data, nil)
}

func readAllLimited(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, maxDecodedSize+1))
	if n > maxDecodedSize {
		return nil, fmt.Errorf("%w: decoded data exceeds %d bytes", ErrDecodeFailed, maxDecodedSize)
	}
	// Truncated flate data is common in the wild; keep what was decoded.
	if err != nil && buf.Len() == 0 {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return buf.Bytes(), nil
}

type flateFilter struct{}

func (flateFilter) Name() string { return "FlateDecode" }

func (flateFilter) Decode(data []byte, params *generic.DictionaryObject) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	defer r.Close()
	out, err := readAllLimited(r)
	if err != nil {
		return nil, err
	}
	return applyPredictor(out, params)
}

func (flateFilter) Encode(data []byte, _ *generic.DictionaryObject) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("flate encode failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flate encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

type lzwFilter struct{}

func (lzwFilter) Name() string { return "LZWDecode" }

func (lzwFilter) Decode(data []byte, params *generic.DictionaryObject) ([]byte, error) {
	var r io.ReadCloser
	if early, ok := params.GetInt("EarlyChange"); ok && early == 0 {
		r = lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
	} else {
		// EarlyChange 1 is the TIFF "off by one" code width switch.
		r = tifflzw.NewReader(bytes.NewReader(data), tifflzw.MSB, 8)
	}
	defer r.Close()
	out, err := readAllLimited(r)
	if err != nil {
		return nil, err
	}
	return applyPredictor(out, params)
}

func (lzwFilter) Encode([]byte, *generic.DictionaryObject) ([]byte, error) {
	return nil, fmt.Errorf("%w: LZW encoding", ErrUnsupportedFilter)
}

type asciiHexFilter struct{}

func (asciiHexFilter) Name() string { return "ASCIIHexDecode" }

func (asciiHexFilter) Decode(data []byte, _ *generic.DictionaryObject) ([]byte, error) {
	cleaned := make([]byte, 0, len(data))
	for _, b := range data {
		if b == '>' {
			break
		}
		switch b {
		case ' ', '\t', '\n', '\r', '\f', 0:
			continue
		}
		cleaned = append(cleaned, b)
	}
	if len(cleaned)%2 != 0 {
		cleaned = append(cleaned, '0')
	}
	out := make([]byte, hex.DecodedLen(len(cleaned)))
	if _, err := hex.Decode(out, cleaned); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out, nil
}

func (asciiHexFilter) Encode(data []byte, _ *generic.DictionaryObject) ([]byte, error) {
	return []byte(hex.EncodeToString(data) + ">"), nil
}

type ascii85Filter struct{}

func (ascii85Filter) Name() string { return "ASCII85Decode" }

func (ascii85Filter) Decode(data []byte, _ *generic.DictionaryObject) ([]byte, error) {
	if end := bytes.Index(data, []byte("~>")); end != -1 {
		data = data[:end]
	}
	data = bytes.TrimPrefix(bytes.TrimSpace(data), []byte("<~"))
	out, err := readAllLimited(ascii85.NewDecoder(bytes.NewReader(data)))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (ascii85Filter) Encode(data []byte, _ *generic.DictionaryObject) ([]byte, error) {
	var buf bytes.Buffer
	enc := ascii85.NewEncoder(&buf)
	if _, err := enc.Write(data); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteString("~>")
	return buf.Bytes(), nil
}

type runLengthFilter struct{}

func (runLengthFilter) Name() string { return "RunLengthDecode" }

func (runLengthFilter) Decode(data []byte, _ *generic.DictionaryObject) ([]byte, error) {
	var out bytes.Buffer
	for i := 0; i < len(data); {
		n := int(data[i])
		i++
		switch {
		case n == 128:
			return out.Bytes(), nil
		case n < 128:
			end := i + n + 1
			if end > len(data) {
				return nil, fmt.Errorf("%w: run-length literal overruns input", ErrDecodeFailed)
			}
			out.Write(data[i:end])
			i = end
		default:
			if i >= len(data) {
				return nil, fmt.Errorf("%w: run-length repeat overruns input", ErrDecodeFailed)
			}
			out.Write(bytes.Repeat(data[i:i+1], 257-n))
			i++
		}
	}
	return out.Bytes(), nil
}

func (runLengthFilter) Encode(data []byte, _ *generic.DictionaryObject) ([]byte, error) {
	var out bytes.Buffer
	for i := 0; i < len(data); {
		chunk := data[i:min(i+128, len(data))]
		out.WriteByte(byte(len(chunk) - 1))
		out.Write(chunk)
		i += len(chunk)
	}
	out.WriteByte(128)
	return out.Bytes(), nil
}
