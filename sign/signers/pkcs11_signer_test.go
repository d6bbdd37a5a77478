package signers

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"

	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signpdfkit/SignPDFKit-Lib/internal/testpdf"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/cms"
)

// fakeToken emulates the raw mechanisms of a token holding one key.
type fakeToken struct {
	key     crypto.Signer
	certDER []byte
	objects []pkcs11.ObjectHandle
	mech    *pkcs11.Mechanism
}

func (f *fakeToken) FindObjectsInit(pkcs11.SessionHandle, []*pkcs11.Attribute) error { return nil }

func (f *fakeToken) FindObjects(pkcs11.SessionHandle, int) ([]pkcs11.ObjectHandle, bool, error) {
	return f.objects, false, nil
}

func (f *fakeToken) FindObjectsFinal(pkcs11.SessionHandle) error { return nil }

func (f *fakeToken) GetAttributeValue(pkcs11.SessionHandle, pkcs11.ObjectHandle, []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	return []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_VALUE, f.certDER)}, nil
}

func (f *fakeToken) SignInit(_ pkcs11.SessionHandle, m []*pkcs11.Mechanism, _ pkcs11.ObjectHandle) error {
	f.mech = m[0]
	return nil
}

func (f *fakeToken) Sign(_ pkcs11.SessionHandle, msg []byte) ([]byte, error) {
	switch k := f.key.(type) {
	case *rsa.PrivateKey:
		// Hash 0 signs the DigestInfo as given, like CKM_RSA_PKCS.
		return rsa.SignPKCS1v15(rand.Reader, k, 0, msg)
	case *ecdsa.PrivateKey:
		r, s, err := ecdsa.Sign(rand.Reader, k, msg)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 64)
		r.FillBytes(out[:32])
		s.FillBytes(out[32:])
		return out, nil
	}
	return nil, errors.New("unsupported key")
}

func tokenSigner(chain *testpdf.Chain) (*PKCS11Signer, *fakeToken) {
	tok := &fakeToken{key: chain.LeafKey, certDER: chain.Leaf.Raw, objects: []pkcs11.ObjectHandle{7}}
	return &PKCS11Signer{module: tok, key: 7, cert: chain.Leaf}, tok
}

func TestPKCS11Signer_SignProducesVerifiableCMS(t *testing.T) {
	digest := sha256.Sum256([]byte("document"))

	t.Run("rsa", func(t *testing.T) {
		s, tok := tokenSigner(testpdf.RSAChain())
		der, err := s.Sign(context.Background(), digest[:])
		require.NoError(t, err)
		assert.Equal(t, uint(pkcs11.CKM_RSA_PKCS), tok.mech.Mechanism)

		sd, err := cms.Parse(der)
		require.NoError(t, err)
		assert.NoError(t, sd.VerifyDigest(digest[:]))
	})

	t.Run("ecdsa", func(t *testing.T) {
		s, tok := tokenSigner(testpdf.ECChain())
		der, err := s.Sign(context.Background(), digest[:])
		require.NoError(t, err)
		assert.Equal(t, uint(pkcs11.CKM_ECDSA), tok.mech.Mechanism)

		sd, err := cms.Parse(der)
		require.NoError(t, err)
		assert.NoError(t, sd.VerifyDigest(digest[:]))
	})
}

func TestPKCS11Signer_Load(t *testing.T) {
	chain := testpdf.RSAChain()
	s, tok := tokenSigner(chain)
	s.cert = nil
	require.NoError(t, s.load(PKCS11Config{KeyLabel: "signing"}))
	assert.True(t, s.cert.Equal(chain.Leaf))

	tok.objects = []pkcs11.ObjectHandle{1, 2}
	_, err := s.findKey("signing", nil)
	assert.ErrorIs(t, err, ErrPKCS11MultipleKeys)

	tok.objects = nil
	_, err = s.findKey("signing", nil)
	assert.ErrorIs(t, err, ErrPKCS11NoKey)
	_, err = s.findCertificate("signing", []byte{1})
	assert.ErrorIs(t, err, ErrPKCS11NoCert)
}

func TestMechanismFor(t *testing.T) {
	digest := make([]byte, 32)

	mech, input, post, err := mechanismFor(testpdf.RSAChain().Leaf.PublicKey, digest,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256})
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_RSA_PKCS_PSS), mech.Mechanism)
	assert.Equal(t, digest, input)
	assert.Nil(t, post)

	mech, input, _, err = mechanismFor(testpdf.RSAChain().Leaf.PublicKey, digest, crypto.SHA256)
	require.NoError(t, err)
	assert.Equal(t, uint(pkcs11.CKM_RSA_PKCS), mech.Mechanism)
	assert.Len(t, input, 19+32, "DigestInfo prefix for SHA-256 is 19 bytes")

	_, _, _, err = mechanismFor("not a key", digest, crypto.SHA256)
	assert.ErrorIs(t, err, ErrPKCS11UnsupportedAlg)
}

func TestEncodeECDSASignature(t *testing.T) {
	der, err := encodeECDSASignature([]byte{0, 5, 0, 9})
	require.NoError(t, err)
	var sig struct{ R, S *big.Int }
	_, err = asn1.Unmarshal(der, &sig)
	require.NoError(t, err)
	assert.Equal(t, int64(5), sig.R.Int64())
	assert.Equal(t, int64(9), sig.S.Int64())

	_, err = encodeECDSASignature([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestOpenPKCS11_MissingModule(t *testing.T) {
	_, err := OpenPKCS11(PKCS11Config{ModulePath: "/nonexistent/libsofthsm2.so"})
	assert.ErrorIs(t, err, ErrPKCS11ModuleLoad)
}
