package signers

import (
	"bytes"
	"encoding/hex"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/reader"
	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
)

const opEmbedCMS = "embedCms"

// EmbedCMS splices cms into the placeholder of pre and returns the signed
// document. The result has the same length as pre.Document and differs
// from it only inside the /Contents hex string.
func EmbedCMS(pre *PreSigned, cms []byte) ([]byte, error) {
	if pre == nil || len(pre.Document) == 0 {
		return nil, sigerr.New(sigerr.PlaceholderNotFound, opEmbedCMS, "no prepared document")
	}
	if len(cms) == 0 {
		return nil, sigerr.New(sigerr.CmsParseError, opEmbedCMS, "empty signature").ForField(pre.FieldID)
	}
	start, end, err := placeholderSpan(pre.Document, pre.ByteRange)
	if err != nil {
		return nil, err.ForField(pre.FieldID)
	}

	capacity := end - start - 2
	need := int64(hex.EncodedLen(len(cms)))
	if need > capacity {
		return nil, sigerr.New(sigerr.OversizedSignature, opEmbedCMS,
			"signature needs %d hex digits, placeholder holds %d", need, capacity).
			AtOffset(start).ForField(pre.FieldID)
	}

	out := make([]byte, len(pre.Document))
	copy(out, pre.Document)
	enc := bytes.ToUpper([]byte(hex.EncodeToString(cms)))
	copy(out[start+1:], enc)
	for i := start + 1 + need; i < end-1; i++ {
		out[i] = '0'
	}
	return out, nil
}

// EmbedCMSBytes embeds cms into the newest unfilled placeholder of doc.
func EmbedCMSBytes(doc []byte, cms []byte) ([]byte, error) {
	pre, err := FindPlaceholder(doc)
	if err != nil {
		return nil, err
	}
	return EmbedCMS(pre, cms)
}

// FindPlaceholder locates the newest signature whose /Contents is still
// zero-filled and returns it as a prepared document without a digest.
func FindPlaceholder(doc []byte) (*PreSigned, error) {
	r, err := reader.Parse(doc)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.MalformedStructure, opEmbedCMS, err)
	}
	sigs, err := r.EmbeddedSignatures()
	if err != nil {
		return nil, sigerr.Wrap(sigerr.MalformedStructure, opEmbedCMS, err)
	}
	for i := len(sigs) - 1; i >= 0; i-- {
		s := sigs[i]
		if len(s.ByteRange) != 4 || !allZero(s.Contents) {
			continue
		}
		br := [4]int64{s.ByteRange[0], s.ByteRange[1], s.ByteRange[2], s.ByteRange[3]}
		if _, _, perr := placeholderSpan(doc, br); perr != nil {
			continue
		}
		pre := &PreSigned{
			Document:  doc,
			ByteRange: br,
			FieldID:   s.Field.Name,
			State:     PlaceholderWritten,
		}
		if s.Field.ValueRef != nil {
			pre.SignatureObject = s.Field.ValueRef.ObjectNumber
		}
		return pre, nil
	}
	return nil, sigerr.New(sigerr.PlaceholderNotFound, opEmbedCMS, "no unfilled signature placeholder")
}

// placeholderSpan checks that br brackets an untouched hex string and
// returns the offsets of its '<' and one past its '>'.
func placeholderSpan(doc []byte, br [4]int64) (int64, int64, *sigerr.Error) {
	start, end := br[0]+br[1], br[2]
	if br[0] != 0 || start <= 0 || end <= start+1 || end > int64(len(doc)) || br[2]+br[3] != int64(len(doc)) {
		return 0, 0, sigerr.New(sigerr.PlaceholderNotFound, opEmbedCMS, "byte range %v does not bracket a placeholder", br)
	}
	if doc[start] != '<' || doc[end-1] != '>' {
		return 0, 0, sigerr.New(sigerr.PlaceholderNotFound, opEmbedCMS, "no hex string between the signed spans").AtOffset(start)
	}
	for _, c := range doc[start+1 : end-1] {
		if c != '0' {
			return 0, 0, sigerr.New(sigerr.PlaceholderNotFound, opEmbedCMS, "placeholder already filled").AtOffset(start)
		}
	}
	return start, end, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
