// Package validation verifies the signatures embedded in a PDF document.
//
// Verification is structural and cryptographic: the byte range must bracket
// exactly the /Contents placeholder of a complete revision, anything
// appended after the newest signature must be DSS material, the recomputed
// digest must equal the CMS messageDigest, and the signer's signature over
// the signed attributes must verify. Certificate trust is not evaluated.
package validation

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/reader"
	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/cms"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/dss"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/fields"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/signers"
)

const opVerify = "verify"

// CMSStatus is the outcome of the cryptographic check.
type CMSStatus int

const (
	CMSNotChecked CMSStatus = iota
	CMSValid
	CMSInvalid
	CMSMalformed
)

// String returns the string representation of the status.
func (s CMSStatus) String() string {
	switch s {
	case CMSValid:
		return "VALID"
	case CMSInvalid:
		return "INVALID"
	case CMSMalformed:
		return "MALFORMED"
	default:
		return "NOT_CHECKED"
	}
}

// Result contains the result of verifying one signature. It is computed
// fresh on every call.
type Result struct {
	Present           bool
	StructurallyValid bool
	DigestMatch       bool
	CMSStatus         CMSStatus
	ByteRange         [4]int64
	State             signers.State
	Modification      ModificationLevel

	FieldName         string
	SubFilter         string
	Reason            string
	Location          string
	SigningTime       time.Time
	SignerSubject     string
	SignerCertificate *x509.Certificate
	HasTimestamp      bool

	// CoversWholeDocument is set when the signed range ends at EOF.
	CoversWholeDocument bool
	// Revision is the number of xref sections in the signed revision.
	Revision int

	// Err is the verification failure, nil for a valid signature.
	Err error
}

// ByteRangeSpans returns the two signed spans as [start, end) pairs.
func (r *Result) ByteRangeSpans() [2][2]int64 {
	br := r.ByteRange
	return [2][2]int64{{br[0], br[0] + br[1]}, {br[2], br[2] + br[3]}}
}

// Valid reports whether every check passed.
func (r *Result) Valid() bool {
	return r.Err == nil && r.StructurallyValid && r.DigestMatch && r.CMSStatus == CMSValid
}

// Verify checks the newest signature of doc. On a verification failure the
// partially filled Result is returned together with the error.
func Verify(doc []byte) (*Result, error) {
	v, err := newVerifier(doc)
	if err != nil {
		return nil, err
	}
	res := v.verify(v.sigs[len(v.sigs)-1])
	return res, res.Err
}

// VerifyAll checks every signature of doc concurrently, oldest first. The
// returned error covers document level failures only; per signature
// failures are reported in Result.Err.
func VerifyAll(ctx context.Context, doc []byte) ([]*Result, error) {
	v, err := newVerifier(doc)
	if err != nil {
		return nil, err
	}
	results := make([]*Result, len(v.sigs))
	g, ctx := errgroup.WithContext(ctx)
	for i, sig := range v.sigs {
		i, sig := i, sig
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = v.verify(sig)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// SignatureExists reports whether doc carries at least one signature value
// with a byte range and non-empty contents. Nothing is hashed.
func SignatureExists(doc []byte) bool {
	r, err := reader.Parse(doc)
	if err != nil {
		return false
	}
	sigs, err := r.EmbeddedSignatures()
	if err != nil {
		return false
	}
	for _, s := range sigs {
		if len(s.ByteRange) == 4 && len(bytes.TrimRight(s.Contents, "\x00")) > 0 {
			return true
		}
	}
	return false
}

type verifier struct {
	doc  []byte
	r    *reader.PdfFileReader
	sigs []*reader.EmbeddedSignature
	vri  map[string]bool

	// newestEnd is the end of the newest signed range; only DSS updates may
	// follow it.
	newestEnd int64
	tailOnce  sync.Once
	tailLevel ModificationLevel
	tailErr   error

	// windowErrs holds, per signed range end, the failure of the updates
	// leading to the next signature's revision.
	windowOnce sync.Once
	windowErrs map[int64]error
}

func newVerifier(doc []byte) (*verifier, error) {
	r, err := reader.Parse(doc)
	if err != nil {
		return nil, err
	}
	sigs, err := r.EmbeddedSignatures()
	if err != nil {
		return nil, sigerr.Wrap(sigerr.MalformedStructure, opVerify, err)
	}
	if len(sigs) == 0 {
		return nil, sigerr.New(sigerr.NoSignature, opVerify, "document has no signature")
	}
	v := &verifier{doc: doc, r: r, sigs: sigs, vri: make(map[string]bool)}
	for _, s := range sigs {
		v.newestEnd = max(v.newestEnd, s.SignedEnd())
	}
	if store, err := dss.Read(r); err == nil {
		for key := range store.VRI {
			v.vri[key] = true
		}
	}
	return v, nil
}

// tail classifies the updates after the newest signature once per document.
func (v *verifier) tail() (ModificationLevel, error) {
	v.tailOnce.Do(func() {
		old, err := openRevision(v.doc, v.r, v.newestEnd)
		if err != nil {
			v.tailLevel, v.tailErr = ModificationOther, err
			return
		}
		v.tailLevel, v.tailErr = ltvOnlyUpdates(old, v.r, v.newestEnd)
	})
	return v.tailLevel, v.tailErr
}

// windows checks the updates between consecutive signed revisions once
// per document.
func (v *verifier) windows() map[int64]error {
	v.windowOnce.Do(func() {
		v.windowErrs = make(map[int64]error)
		var ends []int64
		for _, s := range v.sigs {
			if end := s.SignedEnd(); len(ends) == 0 || ends[len(ends)-1] != end {
				ends = append(ends, end)
			}
		}
		for i := 0; i+1 < len(ends); i++ {
			old, err := openRevision(v.doc, v.r, ends[i])
			if err != nil {
				v.windowErrs[ends[i]] = err
				continue
			}
			next, err := openRevision(v.doc, v.r, ends[i+1])
			if err != nil {
				v.windowErrs[ends[i]] = err
				continue
			}
			v.windowErrs[ends[i]] = signatureUpdates(old, next, ends[i])
		}
	})
	return v.windowErrs
}

// laterRevisions returns the first disallowed update between the revision
// ending at end and the newest signature.
func (v *verifier) laterRevisions(end int64) error {
	errs := v.windows()
	for _, s := range v.sigs {
		if e := s.SignedEnd(); e >= end {
			if err := errs[e]; err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *verifier) verify(sig *reader.EmbeddedSignature) *Result {
	res := &Result{
		Present:   true,
		FieldName: sig.Field.Name,
		SubFilter: sig.SubFilter(),
		Reason:    textOf(sig.Dict.Get("Reason")),
		Location:  textOf(sig.Dict.Get("Location")),
		State:     signers.Signed,
	}
	fail := func(kind sigerr.Kind, err error) *Result {
		e := sigerr.Wrap(kind, opVerify, err)
		if e.Field == "" {
			e.ForField(res.FieldName)
		}
		res.Err = e
		return res
	}

	switch res.SubFilter {
	case fields.SubFilterAdobePKCS7Detached, fields.SubFilterETSICAdESDetached:
	default:
		return fail(sigerr.UnsupportedSignatureKind, fmt.Errorf("sub-filter %q", res.SubFilter))
	}

	if len(sig.ByteRange) != 4 {
		return fail(sigerr.StructuralDamage, fmt.Errorf("byte range has %d values", len(sig.ByteRange)))
	}
	copy(res.ByteRange[:], sig.ByteRange)
	br := res.ByteRange
	if err := signers.CheckByteRange(br, int64(len(v.doc))); err != nil {
		return fail(sigerr.StructuralDamage, err)
	}
	if err := v.checkGap(br, sig); err != nil {
		return fail(sigerr.StructuralDamage, err)
	}

	end := sig.SignedEnd()
	res.CoversWholeDocument = end == int64(len(v.doc))
	rev, err := openRevision(v.doc, v.r, end)
	if err != nil {
		return fail(sigerr.StructuralDamage, err)
	}
	res.Revision = len(rev.Sections)
	level, err := v.tail()
	if err != nil {
		res.Modification = level
		return fail(sigerr.StructuralDamage, err)
	}
	switch {
	case res.CoversWholeDocument:
		res.Modification = ModificationNone
	case end < v.newestEnd:
		if err := v.laterRevisions(end); err != nil {
			res.Modification = ModificationOther
			return fail(sigerr.StructuralDamage, err)
		}
		res.Modification = ModificationSignatures
	default:
		res.Modification = level
	}
	res.StructurallyValid = true

	sd, err := cms.Parse(sig.Contents)
	if err != nil {
		res.CMSStatus = CMSMalformed
		return fail(sigerr.CmsParseError, err)
	}
	h, err := sd.Hash()
	if err != nil {
		res.CMSStatus = CMSMalformed
		return fail(sigerr.CmsParseError, err)
	}
	digest, err := signers.DigestByteRange(v.doc, br, h)
	if err != nil {
		return fail(sigerr.StructuralDamage, err)
	}
	md, err := sd.MessageDigest()
	if err != nil {
		res.CMSStatus = CMSMalformed
		return fail(sigerr.CmsParseError, err)
	}
	res.DigestMatch = bytes.Equal(md, digest)
	if !res.DigestMatch {
		res.CMSStatus = CMSInvalid
		return fail(sigerr.IntegrityMismatch, fmt.Errorf("%w: document digest differs from messageDigest", cms.ErrDigestMismatch))
	}
	if err := sd.VerifyDigest(digest); err != nil {
		res.CMSStatus = CMSInvalid
		return fail(sigerr.IntegrityMismatch, err)
	}
	res.CMSStatus = CMSValid

	if cert, err := sd.SignerCertificate(); err == nil {
		res.SignerCertificate = cert
		res.SignerSubject = cert.Subject.String()
	}
	if t, ok := sd.SigningTime(); ok {
		res.SigningTime = t
	} else if t, err := generic.ParseDate(textOf(sig.Dict.Get("M"))); err == nil {
		res.SigningTime = t
	}
	res.HasTimestamp = sd.Signer.HasTimestamp()
	if v.vri[dss.VRIKey(sig.Contents)] {
		res.State = signers.LtvEmbedded
	}
	return res
}

// checkGap requires the excluded bytes to be exactly the hex /Contents
// string of this signature dictionary.
func (v *verifier) checkGap(br [4]int64, sig *reader.EmbeddedSignature) error {
	start, end := br[1], br[2]
	if sig.Field.ValueRef == nil {
		return sigerr.New(sigerr.StructuralDamage, opVerify, "signature dictionary is not an indirect object")
	}
	at, err := v.r.ValueOffset(*sig.Field.ValueRef, "Contents")
	if err != nil {
		return sigerr.Wrap(sigerr.StructuralDamage, opVerify, err)
	}
	if at != start {
		return sigerr.New(sigerr.StructuralDamage, opVerify, "byte range gap starts at %d, /Contents of object %d is at %d",
			start, sig.Field.ValueRef.ObjectNumber, at).AtOffset(start)
	}
	if v.doc[start] != '<' || v.doc[end-1] != '>' {
		return sigerr.New(sigerr.StructuralDamage, opVerify, "byte range gap is not a hex string").AtOffset(start)
	}
	for i, c := range v.doc[start+1 : end-1] {
		if !isHex(c) {
			return sigerr.New(sigerr.StructuralDamage, opVerify, "non-hex byte in signature contents").AtOffset(start + 1 + int64(i))
		}
	}
	if int64(2*len(sig.Contents)) != end-start-2 {
		return sigerr.New(sigerr.StructuralDamage, opVerify, "byte range gap does not match /Contents").AtOffset(start)
	}
	return nil
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func textOf(obj generic.PdfObject) string {
	if s, ok := obj.(*generic.StringObject); ok {
		return s.Text()
	}
	return ""
}
