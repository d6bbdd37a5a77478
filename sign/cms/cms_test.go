package cms_test

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signpdfkit/SignPDFKit-Lib/internal/testpdf"
	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/cms"
)

var signingTime = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func sha256Digest(s string) []byte {
	d := sha256.Sum256([]byte(s))
	return d[:]
}

func newBuilder(chain *testpdf.Chain, h crypto.Hash) *cms.Builder {
	b := cms.NewBuilder(chain.Leaf, []*x509.Certificate{chain.Root}, h)
	b.SigningTime = signingTime
	return b
}

func TestBuilder_SignAndVerify(t *testing.T) {
	sha384 := func(s string) []byte {
		d := sha512.Sum384([]byte(s))
		return d[:]
	}

	tests := []struct {
		name   string
		chain  *testpdf.Chain
		hash   crypto.Hash
		pss    bool
		digest []byte
	}{
		{"rsa pkcs1v15", testpdf.RSAChain(), crypto.SHA256, false, sha256Digest("doc")},
		{"rsa pss sha384", testpdf.RSAChain(), crypto.SHA384, true, sha384("doc")},
		{"ecdsa", testpdf.ECChain(), crypto.SHA256, false, sha256Digest("doc")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newBuilder(tc.chain, tc.hash)
			b.PSS = tc.pss

			der, err := b.Sign(tc.digest, tc.chain.LeafKey)
			require.NoError(t, err)

			sd, err := cms.Parse(der)
			require.NoError(t, err)
			require.NoError(t, sd.VerifyDigest(tc.digest))

			h, err := sd.Hash()
			require.NoError(t, err)
			assert.Equal(t, tc.hash, h)

			signer, err := sd.SignerCertificate()
			require.NoError(t, err)
			assert.True(t, signer.Equal(tc.chain.Leaf))
			assert.Len(t, sd.Certificates, 2)

			st, ok := sd.SigningTime()
			require.True(t, ok)
			assert.True(t, st.Equal(signingTime))
		})
	}
}

func TestVerifyDigest_Mismatch(t *testing.T) {
	chain := testpdf.RSAChain()
	der, err := newBuilder(chain, crypto.SHA256).Sign(sha256Digest("original"), chain.LeafKey)
	require.NoError(t, err)
	sd, err := cms.Parse(der)
	require.NoError(t, err)

	err = sd.VerifyDigest(sha256Digest("tampered"))
	assert.ErrorIs(t, err, sigerr.ErrIntegrityMismatch)
	assert.ErrorIs(t, err, cms.ErrDigestMismatch)

	assert.NoError(t, sd.Verify([]byte("original")))
}

func TestVerifyDigest_BadSignatureValue(t *testing.T) {
	chain := testpdf.ECChain()
	digest := sha256Digest("doc")
	b := newBuilder(chain, crypto.SHA256)

	attrs, err := b.SignedAttributes(digest)
	require.NoError(t, err)
	// Signing the wrong bytes leaves messageDigest intact but breaks the signature.
	wrong := sha256.Sum256(append(attrs, 0))
	sig, err := chain.LeafKey.Sign(rand.Reader, wrong[:], crypto.SHA256)
	require.NoError(t, err)
	der, err := b.Assemble(attrs, sig)
	require.NoError(t, err)

	sd, err := cms.Parse(der)
	require.NoError(t, err)
	err = sd.VerifyDigest(digest)
	assert.ErrorIs(t, err, sigerr.ErrIntegrityMismatch)
	assert.ErrorIs(t, err, cms.ErrInvalidSignature)
}

func TestAssemble_ExternalSignature(t *testing.T) {
	chain := testpdf.RSAChain()
	digest := sha256Digest("remote")
	b := newBuilder(chain, crypto.SHA256)

	attrs, err := b.SignedAttributes(digest)
	require.NoError(t, err)
	h := sha256.Sum256(attrs)
	sig, err := chain.LeafKey.Sign(rand.Reader, h[:], crypto.SHA256)
	require.NoError(t, err)

	der, err := b.Assemble(attrs, sig)
	require.NoError(t, err)
	sd, err := cms.Parse(der)
	require.NoError(t, err)
	assert.NoError(t, sd.VerifyDigest(digest))

	_, err = b.Assemble([]byte{0x30, 0x00}, sig)
	assert.Error(t, err)
}

func TestSignedAttributes_Deterministic(t *testing.T) {
	b := newBuilder(testpdf.RSAChain(), crypto.SHA256)
	a1, err := b.SignedAttributes(sha256Digest("x"))
	require.NoError(t, err)
	a2, err := b.SignedAttributes(sha256Digest("x"))
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Equal(t, byte(0x31), a1[0])

	_, err = b.SignedAttributes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestRevocationInfoArchival(t *testing.T) {
	chain := testpdf.RSAChain()
	crl, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big1(),
		ThisUpdate: signingTime,
		NextUpdate: signingTime.Add(24 * time.Hour),
	}, chain.Root, chain.RootKey)
	require.NoError(t, err)

	b := newBuilder(chain, crypto.SHA256)
	b.CRLs = [][]byte{crl}
	der, err := b.Sign(sha256Digest("doc"), chain.LeafKey)
	require.NoError(t, err)

	sd, err := cms.Parse(der)
	require.NoError(t, err)
	crls, ocsps := sd.RevocationInfo()
	require.Len(t, crls, 1)
	assert.Equal(t, crl, crls[0])
	assert.Empty(t, ocsps)
	assert.NoError(t, sd.VerifyDigest(sha256Digest("doc")))
}

func TestParse_Errors(t *testing.T) {
	tests := map[string][]byte{
		"empty":      nil,
		"garbage":    []byte("not der at all"),
		"wrong type": {0x30, 0x0d, 0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x07, 0x01, 0xa0, 0x00},
		"truncated":  {0x30, 0x82, 0x10, 0x00, 0x06},
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := cms.Parse(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, sigerr.ErrCmsParse)
		})
	}
}

func TestParse_IgnoresPlaceholderPadding(t *testing.T) {
	chain := testpdf.RSAChain()
	der, err := newBuilder(chain, crypto.SHA256).Sign(sha256Digest("doc"), chain.LeafKey)
	require.NoError(t, err)

	padded := append(append([]byte(nil), der...), make([]byte, 64)...)
	sd, err := cms.Parse(padded)
	require.NoError(t, err)
	assert.Equal(t, der, sd.Raw)

	_, err = cms.Parse(append(append([]byte(nil), der...), 0x01))
	assert.ErrorIs(t, err, sigerr.ErrCmsParse)
}

func big1() *big.Int { return big.NewInt(1) }
