package signpdfkit_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	signpdfkit "github.com/signpdfkit/SignPDFKit-Lib"
	"github.com/signpdfkit/SignPDFKit-Lib/certvalidator/revinfo"
	"github.com/signpdfkit/SignPDFKit-Lib/config"
	"github.com/signpdfkit/SignPDFKit-Lib/internal/testpdf"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/reader"
	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/cms"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/dss"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/fields"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/signers"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/validation"
)

var signingTime = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

func writeInput(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "in.pdf")
	require.NoError(t, os.WriteFile(path, testpdf.Build(testpdf.Default()), 0o600))
	return dir, path
}

func localSigner() *signers.LocalSigner {
	chain := testpdf.RSAChain()
	return signers.NewLocalSigner(chain.Leaf, chain.LeafKey, []*x509.Certificate{chain.Root})
}

func options() signpdfkit.Options {
	return signpdfkit.Options{Reason: "Approved", Location: "Jakarta", SigningTime: signingTime}
}

// externalCMS signs digest the way a remote signing service would.
func externalCMS(t *testing.T, digest []byte) []byte {
	t.Helper()
	chain := testpdf.RSAChain()
	b := cms.NewBuilder(chain.Leaf, []*x509.Certificate{chain.Root}, crypto.SHA256)
	b.SigningTime = signingTime
	der, err := b.Sign(digest, chain.LeafKey)
	require.NoError(t, err)
	return der
}

func rootCRL(t *testing.T) []byte {
	t.Helper()
	chain := testpdf.RSAChain()
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(7),
		ThisUpdate: signingTime,
		NextUpdate: signingTime.AddDate(0, 1, 0),
	}, chain.Root, chain.RootKey)
	require.NoError(t, err)
	return der
}

func TestSign(t *testing.T) {
	dir, in := writeInput(t)
	orig, err := os.ReadFile(in)
	require.NoError(t, err)
	out := filepath.Join(dir, "out.pdf")

	app := signpdfkit.Appearance{FieldID: "Approval"}
	require.NoError(t, signpdfkit.Sign(context.Background(), in, out, app, options(), localSigner()))

	after, err := os.ReadFile(in)
	require.NoError(t, err)
	assert.Equal(t, orig, after, "input must not change")

	assert.True(t, signpdfkit.SignatureExists(out))
	assert.False(t, signpdfkit.SignatureExists(in))

	res, err := signpdfkit.Verify(out)
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.Equal(t, "Approval", res.FieldName)
	assert.Equal(t, fields.SubFilterAdobePKCS7Detached, res.SubFilter)
	assert.Equal(t, signers.Signed, res.State)
	assert.Equal(t, "Approved", res.Reason)
	assert.True(t, res.CoversWholeDocument)
	assert.Equal(t, signingTime, res.SigningTime.UTC())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temporary files are left behind")
}

func TestSign_InPlace(t *testing.T) {
	_, in := writeInput(t)
	require.NoError(t, signpdfkit.Sign(context.Background(), in, in, signpdfkit.Appearance{}, options(), localSigner()))
	assert.True(t, signpdfkit.SignatureExists(in))
}

func TestSign_LongTerm(t *testing.T) {
	dir, in := writeInput(t)
	out := filepath.Join(dir, "ltv.pdf")
	opts := options()
	opts.Kind = fields.PAdES
	opts.Level = fields.LongTerm
	opts.Evidence = &dss.Evidence{CRLs: [][]byte{rootCRL(t)}}

	require.NoError(t, signpdfkit.Sign(context.Background(), in, out, signpdfkit.Appearance{}, opts, localSigner()))

	res, err := signpdfkit.Verify(out)
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.Equal(t, fields.SubFilterETSICAdESDetached, res.SubFilter)
	assert.Equal(t, signers.LtvEmbedded, res.State)
	assert.Equal(t, validation.ModificationLTVUpdates, res.Modification)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	r, err := reader.Parse(data)
	require.NoError(t, err)
	store, err := dss.Read(r)
	require.NoError(t, err)
	assert.Len(t, store.Certs, 2)
	assert.Len(t, store.CRLs, 1)
	assert.Len(t, store.VRI, 1)
}

type sizedSigner struct {
	*signers.LocalSigner
	size int
}

func (s sizedSigner) SignatureSize() int { return s.size }

func TestSign_PlaceholderFromEstimate(t *testing.T) {
	dir, in := writeInput(t)
	out := filepath.Join(dir, "sized.pdf")
	opts := options()
	opts.Level = fields.LongTerm

	s := sizedSigner{LocalSigner: localSigner(), size: 40000}
	require.NoError(t, signpdfkit.Sign(context.Background(), in, out, signpdfkit.Appearance{}, opts, s))

	res, err := signpdfkit.Verify(out)
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.Equal(t, signers.LtvEmbedded, res.State)
	assert.GreaterOrEqual(t, (res.ByteRange[2]-res.ByteRange[1]-2)/2, int64(40000))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	r, err := reader.Parse(data)
	require.NoError(t, err)
	store, err := dss.Read(r)
	require.NoError(t, err)
	assert.Len(t, store.Certs, 2, "certificates come from the embedded CMS")
}

func TestCalculateDigestAndEmbedCMS(t *testing.T) {
	dir, in := writeInput(t)
	out := filepath.Join(dir, "out.pdf")

	digest, pre, err := signpdfkit.CalculateDigest(context.Background(), in, signpdfkit.Appearance{}, options())
	require.NoError(t, err)
	assert.Len(t, digest, 32)
	assert.Equal(t, signers.DigestComputed, pre.State)
	_, err = os.Stat(out)
	assert.ErrorIs(t, err, os.ErrNotExist, "nothing is written before the CMS arrives")

	// The handle crosses a process boundary in its binary form.
	wire, err := pre.MarshalBinary()
	require.NoError(t, err)
	var restored signpdfkit.PreSigned
	require.NoError(t, restored.UnmarshalBinary(wire))

	require.NoError(t, signpdfkit.EmbedCMS(context.Background(), &restored, externalCMS(t, digest), out, nil))

	res, err := signpdfkit.Verify(out)
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.Equal(t, signers.Signed, res.State)

	signed, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Len(t, signed, len(pre.Document))
}

func TestEmbedCMS_LongTermEvidence(t *testing.T) {
	dir, in := writeInput(t)
	out := filepath.Join(dir, "out.pdf")
	opts := options()
	opts.Level = fields.LongTerm

	digest, pre, err := signpdfkit.CalculateDigest(context.Background(), in, signpdfkit.Appearance{}, opts)
	require.NoError(t, err)
	cmsDER := externalCMS(t, digest)

	params, err := signpdfkit.GetRevocationParameters(cmsDER)
	require.NoError(t, err)
	items := params.Items()
	require.Len(t, items, 2)
	assert.Equal(t, revinfo.TypeOCSP, items[0].Type)
	assert.Equal(t, "http://ocsp.example.test", items[0].URL)
	assert.NotEmpty(t, items[0].Request)
	assert.Equal(t, revinfo.TypeCRL, items[1].Type)

	ev := &dss.Evidence{CRLs: [][]byte{rootCRL(t)}}
	require.NoError(t, signpdfkit.EmbedCMS(context.Background(), pre, cmsDER, out, ev))

	res, err := signpdfkit.Verify(out)
	require.NoError(t, err)
	assert.Equal(t, signers.LtvEmbedded, res.State)
	assert.Equal(t, signers.DigestComputed, pre.State, "the handle is a value")
}

func TestErrors(t *testing.T) {
	dir, in := writeInput(t)
	missing := filepath.Join(dir, "missing.pdf")
	ctx := context.Background()

	err := signpdfkit.Sign(ctx, missing, filepath.Join(dir, "x.pdf"), signpdfkit.Appearance{}, options(), localSigner())
	assert.ErrorIs(t, err, sigerr.ErrIoFailure)
	var se *sigerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "inputPath", se.Field)

	out := filepath.Join(dir, "no-such-dir", "out.pdf")
	err = signpdfkit.Sign(ctx, in, out, signpdfkit.Appearance{}, options(), localSigner())
	assert.ErrorIs(t, err, sigerr.ErrIoFailure)

	app := signpdfkit.Appearance{Visibility: fields.VisibleImage, ImagePath: filepath.Join(dir, "none.png"), Rect: fields.Rect{X: 10, Y: 10, Width: 50, Height: 50}}
	_, _, err = signpdfkit.CalculateDigest(ctx, in, app, options())
	assert.ErrorIs(t, err, sigerr.ErrIoFailure)

	_, err = signpdfkit.Verify(in)
	assert.ErrorIs(t, err, sigerr.ErrNoSignature)
	_, err = signpdfkit.Verify(missing)
	assert.ErrorIs(t, err, sigerr.ErrIoFailure)
	assert.False(t, signpdfkit.SignatureExists(missing))

	err = signpdfkit.Sign(ctx, in, filepath.Join(dir, "y.pdf"), signpdfkit.Appearance{}, options(), nil)
	assert.ErrorIs(t, err, sigerr.ErrUnsupportedSignatureKind)
}

func TestEmbedCMS_Oversized(t *testing.T) {
	dir, in := writeInput(t)
	out := filepath.Join(dir, "out.pdf")
	opts := options()
	opts.PlaceholderSize = 64

	digest, pre, err := signpdfkit.CalculateDigest(context.Background(), in, signpdfkit.Appearance{}, opts)
	require.NoError(t, err)

	err = signpdfkit.EmbedCMS(context.Background(), pre, externalCMS(t, digest), out, nil)
	assert.ErrorIs(t, err, sigerr.ErrOversizedSignature)
	_, statErr := os.Stat(out)
	assert.ErrorIs(t, statErr, os.ErrNotExist, "no partial output")
}

func TestFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
signing:
  kind: pades
  type: seal
  level: ltv
  digest_algorithm: sha512
  reason: Reviewed
appearance:
  field_id: Seal
  visibility: qr
  rect: [20, 20, 80, 80]
  image: stamp.png
`))
	require.NoError(t, err)

	app, opts, err := signpdfkit.FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Seal", app.FieldID)
	assert.Equal(t, "stamp.png", app.ImagePath)
	assert.Equal(t, fields.VisibleQR, app.Visibility)
	assert.Equal(t, fields.Rect{X: 20, Y: 20, Width: 80, Height: 80}, app.Rect)
	assert.Equal(t, fields.PAdES, opts.Kind)
	assert.Equal(t, fields.Certification, opts.Type)
	assert.Equal(t, fields.LongTerm, opts.Level)
	assert.Equal(t, crypto.SHA512, opts.DigestAlgorithm)
	assert.Equal(t, "Reviewed", opts.Reason)
}
