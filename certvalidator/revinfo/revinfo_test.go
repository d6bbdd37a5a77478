package revinfo_test

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/signpdfkit/SignPDFKit-Lib/certvalidator/revinfo"
	"github.com/signpdfkit/SignPDFKit-Lib/internal/testpdf"
	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/cms"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func signCMS(t *testing.T, configure func(*cms.Builder)) []byte {
	t.Helper()
	chain := testpdf.RSAChain()
	b := cms.NewBuilder(chain.Leaf, []*x509.Certificate{chain.Root}, crypto.SHA256)
	b.SigningTime = now
	if configure != nil {
		configure(b)
	}
	digest := sha256.Sum256([]byte("document"))
	der, err := b.Sign(digest[:], chain.LeafKey)
	require.NoError(t, err)
	return der
}

func rootCRL(t *testing.T) []byte {
	t.Helper()
	chain := testpdf.RSAChain()
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(7),
		ThisUpdate: now,
		NextUpdate: now.Add(24 * time.Hour),
	}, chain.Root, chain.RootKey)
	require.NoError(t, err)
	return der
}

func TestGetRevocationParameters(t *testing.T) {
	chain := testpdf.RSAChain()
	params, err := revinfo.GetRevocationParameters(signCMS(t, nil))
	require.NoError(t, err)

	require.Len(t, params.Chain, 2)
	assert.True(t, params.Chain[0].Equal(chain.Leaf))
	assert.True(t, params.Chain[1].Equal(chain.Root))

	// The self-signed root needs no evidence.
	require.Len(t, params.Certificates, 1)
	cp := params.Certificates[0]
	assert.Equal(t, chain.Leaf.Subject.String(), cp.Subject)
	assert.Equal(t, chain.Root.Subject.String(), cp.IssuerName)
	assert.Equal(t, int64(4242), cp.SerialNumber.Int64())
	assert.Equal(t, []string{"http://ocsp.example.test"}, cp.OCSPServers)
	assert.Equal(t, []string{"http://crl.example.test/root.crl"}, cp.CRLPoints)

	req, err := ocsp.ParseRequest(cp.OCSPRequest)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), req.SerialNumber.Int64())
	assert.Equal(t, crypto.SHA256, req.HashAlgorithm)

	items := params.Items()
	require.Len(t, items, 2)
	assert.Equal(t, revinfo.RevocationItem{Type: revinfo.TypeOCSP, URL: "http://ocsp.example.test", Request: cp.OCSPRequest}, items[0])
	assert.Equal(t, revinfo.RevocationItem{Type: revinfo.TypeCRL, URL: "http://crl.example.test/root.crl"}, items[1])
}

func TestGetRevocationParameters_SkipsKnownStatus(t *testing.T) {
	chain := testpdf.RSAChain()
	resp, err := ocsp.CreateResponse(chain.Root, chain.Root, ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: chain.Leaf.SerialNumber,
		ThisUpdate:   now,
		NextUpdate:   now.Add(time.Hour),
	}, chain.RootKey)
	require.NoError(t, err)

	tests := map[string]func(*cms.Builder){
		"ocsp in archival attribute": func(b *cms.Builder) { b.OCSPs = [][]byte{resp} },
		"crl in archival attribute":  func(b *cms.Builder) { b.CRLs = [][]byte{rootCRL(t)} },
	}
	for name, configure := range tests {
		t.Run(name, func(t *testing.T) {
			params, err := revinfo.GetRevocationParameters(signCMS(t, configure))
			require.NoError(t, err)
			assert.True(t, params.Empty())
			assert.Empty(t, params.Items())
			assert.Len(t, params.Chain, 2)
		})
	}
}

func TestGetRevocationParameters_Malformed(t *testing.T) {
	_, err := revinfo.GetRevocationParameters([]byte("not a cms"))
	require.Error(t, err)
	assert.ErrorIs(t, err, sigerr.ErrCmsParse)
	assert.Equal(t, sigerr.CmsParseError, sigerr.KindOf(err))
}

func TestOrderChain(t *testing.T) {
	chain := testpdf.RSAChain()
	other := testpdf.ECChain()

	ordered := revinfo.OrderChain(chain.Leaf, []*x509.Certificate{other.Root, chain.Root, chain.Leaf})
	require.Len(t, ordered, 2)
	assert.True(t, ordered[1].Equal(chain.Root))

	alone := revinfo.OrderChain(chain.Leaf, []*x509.Certificate{other.Root})
	assert.Len(t, alone, 1)
}

func TestCreateOCSPRequest_NoIssuer(t *testing.T) {
	_, err := revinfo.CreateOCSPRequest(testpdf.RSAChain().Leaf, nil, 0)
	assert.ErrorIs(t, err, revinfo.ErrNoIssuer)
}

func TestNormalizeCRL(t *testing.T) {
	der := rootCRL(t)
	pemCRL := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})

	got, err := revinfo.NormalizeCRL(pemCRL)
	require.NoError(t, err)
	assert.Equal(t, der, got)

	got, err = revinfo.NormalizeCRL(der)
	require.NoError(t, err)
	assert.Equal(t, der, got)

	bad := map[string][]byte{
		"empty":         nil,
		"not der":       []byte("hello"),
		"truncated der": {0x30, 0x01, 0x02},
		"certificate":   testpdf.RSAChain().Root.Raw,
		"wrong pem":     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		"truncated pem": []byte("-----BEGIN X509 CRL-----\nAAAA"),
	}
	for name, in := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := revinfo.NormalizeCRL(in)
			assert.ErrorIs(t, err, revinfo.ErrInvalidCRL)
		})
	}
}
