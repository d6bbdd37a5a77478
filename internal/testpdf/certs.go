package testpdf

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

// Chain is a two level PKI: a self-signed root and a leaf issued by it.
type Chain struct {
	Root    *x509.Certificate
	RootKey crypto.Signer
	Leaf    *x509.Certificate
	LeafKey crypto.Signer
}

var (
	rsaOnce  sync.Once
	rsaChain *Chain
	ecOnce   sync.Once
	ecChain  *Chain
)

// RSAChain returns a cached RSA-2048 chain.
func RSAChain() *Chain {
	rsaOnce.Do(func() {
		rootKey := must(rsa.GenerateKey(rand.Reader, 2048))
		leafKey := must(rsa.GenerateKey(rand.Reader, 2048))
		rsaChain = newChain(rootKey, leafKey)
	})
	return rsaChain
}

// ECChain returns a cached P-256 chain.
func ECChain() *Chain {
	ecOnce.Do(func() {
		rootKey := must(ecdsa.GenerateKey(elliptic.P256(), rand.Reader))
		leafKey := must(ecdsa.GenerateKey(elliptic.P256(), rand.Reader))
		ecChain = newChain(rootKey, leafKey)
	})
	return ecChain
}

func newChain(rootKey, leafKey crypto.Signer) *Chain {
	notBefore := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rootTpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"SignPDFKit Test"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(20, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER := must(x509.CreateCertificate(rand.Reader, rootTpl, rootTpl, rootKey.Public(), rootKey))
	root := must(x509.ParseCertificate(rootDER))

	leafTpl := &x509.Certificate{
		SerialNumber:          big.NewInt(4242),
		Subject:               pkix.Name{CommonName: "Test Signer", Organization: []string{"SignPDFKit Test"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
		OCSPServer:            []string{"http://ocsp.example.test"},
		CRLDistributionPoints: []string{"http://crl.example.test/root.crl"},
	}
	leafDER := must(x509.CreateCertificate(rand.Reader, leafTpl, root, leafKey.Public(), rootKey))
	leaf := must(x509.ParseCertificate(leafDER))

	return &Chain{Root: root, RootKey: rootKey, Leaf: leaf, LeafKey: leafKey}
}

// OCSPResponse returns a good-status response signed by the root for the
// certificate with the given serial number. Responses from the RSA chain
// are byte for byte reproducible.
func (c *Chain) OCSPResponse(serial int64) []byte {
	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	return must(ocsp.CreateResponse(c.Root, c.Root, ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: big.NewInt(serial),
		ThisUpdate:   now,
		NextUpdate:   now.Add(24 * time.Hour),
	}, c.RootKey))
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
