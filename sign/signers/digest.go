package signers

import (
	"bytes"
	"context"
	"crypto"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/reader"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/writer"
	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/fields"
)

const opCalculateDigest = "calculateDigest"

var (
	byteRangeKey = []byte("/ByteRange")
	contentsKey  = []byte("/Contents")
)

func supportedHash(h crypto.Hash) bool {
	return h == crypto.SHA256 || h == crypto.SHA384 || h == crypto.SHA512
}

// CalculateDigest appends the signature field and placeholders to doc as an
// incremental update and returns the prepared document with its byte-range
// digest. doc is not modified.
func CalculateDigest(ctx context.Context, doc []byte, req Request) (*PreSigned, error) {
	req = req.withDefaults()
	field := req.Field
	log := zerolog.Ctx(ctx).With().Str("field", field.FieldID).Logger()

	if !supportedHash(req.Hash) {
		return nil, sigerr.New(sigerr.UnsupportedSignatureKind, opCalculateDigest, "unsupported digest algorithm %v", req.Hash)
	}
	if req.KnownSignatureSize > req.PlaceholderSize {
		return nil, sigerr.New(sigerr.OversizedSignature, opCalculateDigest,
			"signature of %d bytes exceeds placeholder of %d bytes", req.KnownSignatureSize, req.PlaceholderSize).
			ForField(field.FieldID)
	}
	if err := field.Validate(); err != nil {
		return nil, err
	}

	r, err := reader.Parse(doc)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.MalformedStructure, opCalculateDigest, err)
	}

	w := writer.NewIncrementalWriter(r)
	sigDict := field.SignatureDictionary(req.SigningTime, req.PlaceholderSize)
	att, err := field.Attach(w, sigDict)
	if err != nil {
		return nil, err
	}
	out, err := w.Write()
	if err != nil {
		return nil, sigerr.Wrap(sigerr.MalformedStructure, opCalculateDigest, err)
	}
	log.Debug().Int("objects", len(out.Offsets)).Int64("xref", out.XRefOffset).Msg("placeholder written")

	data := out.Data
	sigOffset := out.Offsets[att.SignatureRef.ObjectNumber]
	br, err := patchByteRange(data, sigOffset, req.PlaceholderSize)
	if err != nil {
		return nil, err
	}

	digest, err := DigestByteRange(data, br, req.Hash)
	if err != nil {
		return nil, err
	}
	log.Debug().Ints64("byteRange", br[:]).Msg("digest computed")

	return &PreSigned{
		Document:        data,
		ByteRange:       br,
		Digest:          digest,
		Hash:            req.Hash,
		FieldID:         field.FieldID,
		Level:           field.Level,
		SignatureObject: att.SignatureRef.ObjectNumber,
		SigningTime:     req.SigningTime,
		State:           DigestComputed,
	}, nil
}

// patchByteRange locates the placeholders of the signature dictionary
// serialized at sigOffset and overwrites the /ByteRange array in place.
func patchByteRange(data []byte, sigOffset int64, size int) ([4]int64, error) {
	var br [4]int64
	brAt, err := valueAfter(data, sigOffset, byteRangeKey, '[')
	if err != nil {
		return br, err
	}
	start, err := valueAfter(data, sigOffset, contentsKey, '<')
	if err != nil {
		return br, err
	}
	end := start + 2 + 2*int64(size)
	if end > int64(len(data)) || data[end-1] != '>' {
		return br, sigerr.New(sigerr.PlaceholderNotFound, opCalculateDigest, "unterminated /Contents placeholder").AtOffset(start)
	}

	br = [4]int64{0, start, end, int64(len(data)) - end}
	patch, ok := fields.FormatByteRange(br)
	if !ok {
		return br, sigerr.New(sigerr.MalformedStructure, opCalculateDigest, "document too large for /ByteRange").AtOffset(brAt)
	}
	if !bytes.Equal(data[brAt:brAt+int64(len(patch))], fields.ByteRangePlaceholderBytes) {
		return br, sigerr.New(sigerr.PlaceholderNotFound, opCalculateDigest, "/ByteRange placeholder not found").AtOffset(brAt)
	}
	copy(data[brAt:], patch)
	return br, nil
}

// valueAfter returns the offset of the first delim following key, searching
// from off.
func valueAfter(data []byte, off int64, key []byte, delim byte) (int64, error) {
	if off < 0 || off >= int64(len(data)) {
		return 0, sigerr.New(sigerr.PlaceholderNotFound, opCalculateDigest, "signature object offset %d out of range", off)
	}
	i := bytes.Index(data[off:], key)
	if i < 0 {
		return 0, sigerr.New(sigerr.PlaceholderNotFound, opCalculateDigest, "%s not found", key).AtOffset(off)
	}
	pos := off + int64(i+len(key))
	for pos < int64(len(data)) && isSpace(data[pos]) {
		pos++
	}
	if pos >= int64(len(data)) || data[pos] != delim {
		return 0, sigerr.New(sigerr.PlaceholderNotFound, opCalculateDigest, "%s value not found", key).AtOffset(pos)
	}
	return pos, nil
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0:
		return true
	}
	return false
}

// DigestByteRange hashes the two spans of br.
func DigestByteRange(data []byte, br [4]int64, h crypto.Hash) ([]byte, error) {
	if err := CheckByteRange(br, int64(len(data))); err != nil {
		return nil, err
	}
	if !h.Available() {
		return nil, sigerr.New(sigerr.UnsupportedSignatureKind, "digest", "hash %v not available", h)
	}
	hh := h.New()
	hh.Write(data[br[0] : br[0]+br[1]])
	hh.Write(data[br[2] : br[2]+br[3]])
	return hh.Sum(nil), nil
}

// CheckByteRange validates the shape of a two-span byte range against a
// file of size bytes: it must start at zero, leave a gap, and end at EOF.
func CheckByteRange(br [4]int64, size int64) error {
	for _, v := range br {
		if v < 0 {
			return sigerr.New(sigerr.StructuralDamage, "byte range", "negative value in %v", br)
		}
	}
	switch {
	case br[0] != 0:
		return sigerr.New(sigerr.StructuralDamage, "byte range", "first span starts at %d", br[0]).AtOffset(br[0])
	case br[2] <= br[1]:
		return sigerr.New(sigerr.StructuralDamage, "byte range", "spans overlap").AtOffset(br[2])
	case br[2]+br[3] > size:
		return sigerr.New(sigerr.StructuralDamage, "byte range", "second span ends at %d past EOF %d", br[2]+br[3], size).AtOffset(br[2])
	}
	return nil
}

func (p *PreSigned) String() string {
	return fmt.Sprintf("presigned(field=%s, state=%s, range=%v)", p.FieldID, p.State, p.ByteRange)
}
