// Package signpdfkit signs and verifies PDF documents on disk.
//
// A document is signed in one call with Sign, or in two steps across a
// process boundary: CalculateDigest prepares the file and returns the
// byte-range digest, an external party produces a CMS SignedData over it,
// and EmbedCMS writes the signed file. Both paths run the same pipeline in
// package signers. Long-term signatures additionally get a Document
// Security Store holding the chain and any revocation data supplied.
//
// Output files are written only once the whole document is assembled, by
// renaming a temporary file in the output directory.
package signpdfkit

import (
	"bytes"
	"context"
	"crypto"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/signpdfkit/SignPDFKit-Lib/certvalidator/revinfo"
	"github.com/signpdfkit/SignPDFKit-Lib/config"
	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/cms"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/dss"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/fields"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/signers"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/validation"
)

const (
	opSign            = "sign"
	opCalculateDigest = "calculateDigest"
	opEmbedCMS        = "embedCms"
	opVerify          = "verify"
)

// Signer produces a DER CMS SignedData over a byte-range digest.
type Signer = signers.Signer

// PreSigned is a prepared document waiting for its CMS.
type PreSigned = signers.PreSigned

// Appearance places the signature widget. A zero-area Rect makes the
// signature invisible whatever the Visibility.
type Appearance struct {
	// ImagePath is read for the image visibility modes.
	ImagePath string
	// Page is 1-based; zero means the first page.
	Page       int
	FieldID    string
	Encoding   fields.TextEncoding
	Anchor     rune
	Visibility fields.Visibility
	Rect       fields.Rect
	// Lines are drawn beside the image or QR code.
	Lines []string
}

// Options are the signature dictionary and pipeline settings.
type Options struct {
	// URL is encoded in the QR code of the QR visibility modes.
	URL         string
	Location    string
	Reason      string
	ContactInfo string
	SignerName  string

	Kind  fields.SubFilter
	Type  fields.SignatureType
	Level fields.Level

	// DigestAlgorithm is SHA-256, SHA-384 or SHA-512; zero means SHA-256.
	DigestAlgorithm crypto.Hash
	// SigningTime is written to /M; zero means Clock.Now().
	SigningTime time.Time
	Clock       clockwork.Clock
	// PlaceholderSize is the CMS capacity in bytes. Zero sizes it from the
	// signer's estimate when it has one.
	PlaceholderSize int

	// Evidence is embedded in the DSS of long-term signatures made by Sign.
	Evidence *dss.Evidence
}

// FromConfig converts a loaded configuration. The appearance image is read
// later, when the document is prepared.
func FromConfig(cfg *config.Config) (Appearance, Options, error) {
	f, err := (&config.Config{Signing: cfg.Signing, Appearance: withoutImage(cfg.Appearance)}).Field()
	if err != nil {
		return Appearance{}, Options{}, err
	}
	app := Appearance{
		ImagePath:  cfg.Appearance.Image,
		Page:       f.Page,
		FieldID:    f.FieldID,
		Encoding:   f.Encoding,
		Anchor:     f.Anchor,
		Visibility: f.Visibility,
		Rect:       f.Rect,
		Lines:      f.Lines,
	}
	opts := Options{
		URL:             f.URL,
		Location:        f.Location,
		Reason:          f.Reason,
		ContactInfo:     f.ContactInfo,
		Kind:            f.Kind,
		Type:            f.Type,
		Level:           f.Level,
		DigestAlgorithm: cfg.Signing.DigestAlgorithm.Hash(),
		PlaceholderSize: cfg.Signing.PlaceholderSize,
	}
	return app, opts, nil
}

func withoutImage(a config.AppearanceConfig) config.AppearanceConfig {
	a.Image = ""
	return a
}

// request builds the pipeline request, reading the appearance image.
func request(op string, app Appearance, opts Options) (signers.Request, error) {
	f := fields.SignatureField{
		FieldID:     app.FieldID,
		Page:        app.Page,
		Rect:        app.Rect,
		Visibility:  app.Visibility,
		Anchor:      app.Anchor,
		Reason:      opts.Reason,
		Location:    opts.Location,
		ContactInfo: opts.ContactInfo,
		URL:         opts.URL,
		SignerName:  opts.SignerName,
		Lines:       app.Lines,
		Encoding:    app.Encoding,
		Kind:        opts.Kind,
		Level:       opts.Level,
		Type:        opts.Type,
	}
	if app.ImagePath != "" && app.Visibility.UsesImage() {
		img, err := os.ReadFile(app.ImagePath)
		if err != nil {
			return signers.Request{}, sigerr.Wrap(sigerr.IoFailure, op, err).ForField("ImagePath")
		}
		f.Image = img
	}
	return signers.Request{
		Field:           f,
		Hash:            opts.DigestAlgorithm,
		SigningTime:     opts.SigningTime,
		Clock:           opts.Clock,
		PlaceholderSize: opts.PlaceholderSize,
	}, nil
}

// Sign signs the document at inputPath with s and writes it to outputPath.
// Long-term signatures also get a DSS with the CMS certificates and
// opts.Evidence. inputPath and outputPath may be the same file.
func Sign(ctx context.Context, inputPath, outputPath string, app Appearance, opts Options, s Signer) error {
	doc, err := readInput(opSign, inputPath)
	if err != nil {
		return err
	}
	req, err := request(opSign, app, opts)
	if err != nil {
		return err
	}
	sig, err := signers.Sign(ctx, doc, req, s)
	if err != nil {
		return err
	}
	signed := sig.Document
	if sig.Level == fields.LongTerm {
		if signed, err = embedValidationData(ctx, opSign, signed, sig.CMS, opts.Evidence); err != nil {
			return err
		}
	}
	return writeOutput(opSign, outputPath, signed)
}

// CalculateDigest prepares the document at inputPath and returns the digest
// to sign together with the prepared document. Nothing is written.
func CalculateDigest(ctx context.Context, inputPath string, app Appearance, opts Options) ([]byte, *PreSigned, error) {
	doc, err := readInput(opCalculateDigest, inputPath)
	if err != nil {
		return nil, nil, err
	}
	req, err := request(opCalculateDigest, app, opts)
	if err != nil {
		return nil, nil, err
	}
	pre, err := signers.CalculateDigest(ctx, doc, req)
	if err != nil {
		return nil, nil, err
	}
	return bytes.Clone(pre.Digest), pre, nil
}

// EmbedCMS splices cmsDER into the prepared document and writes it to
// outputPath. When pre was prepared for a long-term signature, the CMS
// certificates and ev are embedded in the DSS in the same update; ev is
// ignored otherwise. pre is not modified.
func EmbedCMS(ctx context.Context, pre *PreSigned, cmsDER []byte, outputPath string, ev *dss.Evidence) error {
	signed, err := signers.EmbedCMS(pre, cmsDER)
	if err != nil {
		return err
	}
	if pre.Level == fields.LongTerm {
		if signed, err = embedValidationData(ctx, opEmbedCMS, signed, cmsDER, ev); err != nil {
			return err
		}
	}
	return writeOutput(opEmbedCMS, outputPath, signed)
}

// embedValidationData adds the CMS certificates and ev to the DSS of the
// newest signature of doc.
func embedValidationData(ctx context.Context, op string, doc, cmsDER []byte, ev *dss.Evidence) ([]byte, error) {
	sd, err := cms.Parse(cmsDER)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.CmsParseError, op, err)
	}
	var evidence dss.Evidence
	if ev != nil {
		evidence.OCSPs = append(evidence.OCSPs, ev.OCSPs...)
		evidence.CRLs = append(evidence.CRLs, ev.CRLs...)
		evidence.Certs = append(evidence.Certs, ev.Certs...)
	}
	evidence.Certs = append(evidence.Certs, sd.Certificates...)

	out, err := dss.Embed(doc, nil, evidence)
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Debug().
		Int("certs", len(evidence.Certs)).
		Int("ocsps", len(evidence.OCSPs)).
		Int("crls", len(evidence.CRLs)).
		Msg("validation data embedded")
	return out, nil
}

// GetRevocationParameters lists the OCSP and CRL sources of the chain in a
// CMS SignedData, with the OCSP requests to send.
func GetRevocationParameters(cmsDER []byte) (*revinfo.RevocationParameters, error) {
	return revinfo.GetRevocationParameters(cmsDER)
}

// Verify checks the newest signature of the document at inputPath. On a
// verification failure the partial result is returned with the error.
func Verify(inputPath string) (*validation.Result, error) {
	doc, err := readInput(opVerify, inputPath)
	if err != nil {
		return nil, err
	}
	return validation.Verify(doc)
}

// VerifyAll checks every signature of the document at inputPath.
func VerifyAll(ctx context.Context, inputPath string) ([]*validation.Result, error) {
	doc, err := readInput(opVerify, inputPath)
	if err != nil {
		return nil, err
	}
	return validation.VerifyAll(ctx, doc)
}

// SignatureExists reports whether the document at inputPath carries a
// signature. Unreadable files have none.
func SignatureExists(inputPath string) bool {
	doc, err := os.ReadFile(inputPath)
	if err != nil {
		return false
	}
	return validation.SignatureExists(doc)
}

func readInput(op, path string) ([]byte, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.IoFailure, op, err).ForField("inputPath")
	}
	return doc, nil
}

// writeOutput writes data next to path and renames it into place so that
// a failure never leaves a partial document behind.
func writeOutput(op, path string, data []byte) error {
	if err := atomicWrite(path, data); err != nil {
		return sigerr.Wrap(sigerr.IoFailure, op, err).ForField("outputPath")
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
