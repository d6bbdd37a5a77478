// Package revinfo collects the revocation parameters of a signature's
// certificate chain: where to ask for OCSP responses and CRLs, and the OCSP
// requests to send. Fetching is left to the caller.
package revinfo

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ocsp"

	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/cms"
)

const opRevocation = "getRevocationParameters"

// Common errors
var (
	ErrNoIssuer   = errors.New("issuer certificate not in chain")
	ErrInvalidCRL = errors.New("invalid CRL encoding")
)

// RevocationType names the kind of revocation source.
type RevocationType string

const (
	TypeOCSP RevocationType = "ocsp"
	TypeCRL  RevocationType = "crl"
)

// RevocationItem is one source to query. Request holds the DER OCSP request
// for TypeOCSP and is empty for TypeCRL.
type RevocationItem struct {
	Type    RevocationType
	URL     string
	Request []byte
}

// CertificateParameters are the revocation sources of one chain certificate.
type CertificateParameters struct {
	Certificate *x509.Certificate
	// Issuer is nil when the issuing certificate is not in the CMS.
	Issuer *x509.Certificate

	Subject      string
	IssuerName   string
	SerialNumber *big.Int
	OCSPServers  []string
	CRLPoints    []string
	OCSPRequest  []byte
}

// RevocationParameters lists the chain certificates that still need
// revocation evidence, signer first.
type RevocationParameters struct {
	Chain        []*x509.Certificate
	Certificates []CertificateParameters
}

// Items flattens the parameters into query items, OCSP before CRL per
// certificate.
func (p *RevocationParameters) Items() []RevocationItem {
	var out []RevocationItem
	for _, c := range p.Certificates {
		if len(c.OCSPRequest) > 0 {
			for _, u := range c.OCSPServers {
				out = append(out, RevocationItem{Type: TypeOCSP, URL: u, Request: c.OCSPRequest})
			}
		}
		for _, u := range c.CRLPoints {
			out = append(out, RevocationItem{Type: TypeCRL, URL: u})
		}
	}
	return out
}

// Empty reports whether no certificate needs evidence.
func (p *RevocationParameters) Empty() bool { return len(p.Certificates) == 0 }

// GetRevocationParameters parses a CMS SignedData and returns the revocation
// sources for its chain. Self-signed certificates and certificates whose
// status is already carried by the CMS are skipped.
func GetRevocationParameters(cmsDER []byte) (*RevocationParameters, error) {
	sd, err := cms.Parse(cmsDER)
	if err != nil {
		return nil, err
	}
	signer, err := sd.SignerCertificate()
	if err != nil {
		return nil, sigerr.Wrap(sigerr.CmsParseError, opRevocation, err)
	}

	crls, ocsps := sd.RevocationInfo()
	known := newKnownStatus(crls, ocsps)

	chain := OrderChain(signer, sd.Certificates)
	params := &RevocationParameters{Chain: chain}
	for i, cert := range chain {
		if isSelfSigned(cert) {
			continue
		}
		var issuer *x509.Certificate
		if i+1 < len(chain) {
			issuer = chain[i+1]
		}
		if known.covers(cert) {
			continue
		}
		cp := CertificateParameters{
			Certificate:  cert,
			Issuer:       issuer,
			Subject:      cert.Subject.String(),
			IssuerName:   cert.Issuer.String(),
			SerialNumber: cert.SerialNumber,
			OCSPServers:  cert.OCSPServer,
			CRLPoints:    cert.CRLDistributionPoints,
		}
		if issuer != nil && len(cert.OCSPServer) > 0 {
			req, err := CreateOCSPRequest(cert, issuer, crypto.SHA256)
			if err != nil {
				return nil, sigerr.Wrap(sigerr.CmsParseError, opRevocation, err).ForField(cp.Subject)
			}
			cp.OCSPRequest = req
		}
		params.Certificates = append(params.Certificates, cp)
	}
	return params, nil
}

// OrderChain walks issuer links from leaf through certs and returns the
// chain leaf first. The walk stops at a self-signed certificate or when no
// issuer is found.
func OrderChain(leaf *x509.Certificate, certs []*x509.Certificate) []*x509.Certificate {
	chain := []*x509.Certificate{leaf}
	used := map[*x509.Certificate]bool{}
	for _, c := range certs {
		if c.Equal(leaf) {
			used[c] = true
		}
	}
	cur := leaf
	for !isSelfSigned(cur) {
		next := findIssuer(cur, certs, used)
		if next == nil {
			break
		}
		used[next] = true
		chain = append(chain, next)
		cur = next
	}
	return chain
}

func findIssuer(cert *x509.Certificate, certs []*x509.Certificate, used map[*x509.Certificate]bool) *x509.Certificate {
	var candidate *x509.Certificate
	for _, c := range certs {
		if used[c] || !bytes.Equal(c.RawSubject, cert.RawIssuer) {
			continue
		}
		if cert.CheckSignatureFrom(c) == nil {
			return c
		}
		if candidate == nil {
			candidate = c
		}
	}
	return candidate
}

func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawSubject, cert.RawIssuer) &&
		cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

// knownStatus indexes the revocation material already present in a CMS.
type knownStatus struct {
	crlIssuers [][]byte
	ocsps      []*ocsp.Response
}

func newKnownStatus(crls, ocsps [][]byte) *knownStatus {
	ks := &knownStatus{}
	for _, der := range crls {
		rl, err := x509.ParseRevocationList(der)
		if err != nil {
			continue
		}
		ks.crlIssuers = append(ks.crlIssuers, rl.RawIssuer)
	}
	for _, der := range ocsps {
		resp, err := ocsp.ParseResponse(der, nil)
		if err != nil {
			continue
		}
		ks.ocsps = append(ks.ocsps, resp)
	}
	return ks
}

// covers reports whether a CRL from the certificate's issuer or an OCSP
// response for its serial number is present.
func (ks *knownStatus) covers(cert *x509.Certificate) bool {
	for _, raw := range ks.crlIssuers {
		if bytes.Equal(raw, cert.RawIssuer) {
			return true
		}
	}
	for _, resp := range ks.ocsps {
		if resp.SerialNumber != nil && resp.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return true
		}
	}
	return false
}

// CreateOCSPRequest creates a DER OCSP request for a certificate.
func CreateOCSPRequest(cert, issuer *x509.Certificate, hash crypto.Hash) ([]byte, error) {
	if issuer == nil {
		return nil, ErrNoIssuer
	}
	if hash == 0 {
		hash = crypto.SHA256
	}
	return ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: hash})
}

// ParseOCSPResponse parses an OCSP response, verifying it against issuer
// when one is given.
func ParseOCSPResponse(data []byte, issuer *x509.Certificate) (*ocsp.Response, error) {
	return ocsp.ParseResponse(data, issuer)
}

// NormalizeCRL returns the DER form of a CRL given as DER or PEM. The CRL
// must parse; its signature is not checked.
func NormalizeCRL(b []byte) ([]byte, error) {
	der := b
	if trimmed := bytes.TrimSpace(b); bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		block, _ := pem.Decode(trimmed)
		if block == nil {
			return nil, fmt.Errorf("%w: malformed PEM", ErrInvalidCRL)
		}
		if block.Type != "X509 CRL" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidCRL, block.Type)
		}
		der = block.Bytes
	}
	if _, err := x509.ParseRevocationList(der); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCRL, err)
	}
	return der, nil
}
