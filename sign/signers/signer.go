// Package signers drives a signature through its lifecycle: placeholder,
// byte-range digest, external signing and CMS embedding.
package signers

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/signpdfkit/SignPDFKit-Lib/sign/cms"
)

// Signer produces a DER CMS SignedData over a document digest. The digest
// length identifies the hash algorithm.
type Signer interface {
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, digest []byte) ([]byte, error)

// Sign implements Signer.
func (f SignerFunc) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	return f(ctx, digest)
}

// SizeEstimator is implemented by signers that know an upper bound of the
// CMS they produce, in bytes.
type SizeEstimator interface {
	SignatureSize() int
}

type signingTimeKey struct{}

// WithSigningTime returns a context carrying the time written to /M, so
// signers can use the same value for their signingTime attribute.
func WithSigningTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, signingTimeKey{}, t)
}

// SigningTimeFromContext returns the signing time set by WithSigningTime.
func SigningTimeFromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(signingTimeKey{}).(time.Time)
	return t, ok
}

// HashForDigest maps a digest length to its SHA-2 algorithm.
func HashForDigest(digest []byte) (crypto.Hash, error) {
	switch len(digest) {
	case crypto.SHA256.Size():
		return crypto.SHA256, nil
	case crypto.SHA384.Size():
		return crypto.SHA384, nil
	case crypto.SHA512.Size():
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("signers: no hash produces a %d byte digest", len(digest))
	}
}

// LocalSigner signs with an in-process private key.
type LocalSigner struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Key         crypto.Signer
	// PSS selects RSASSA-PSS for RSA keys.
	PSS bool
	// CRLs and OCSPs are archived inside the signed attributes.
	CRLs  [][]byte
	OCSPs [][]byte
	Clock clockwork.Clock
}

// NewLocalSigner creates a signer for key and its certificate.
func NewLocalSigner(cert *x509.Certificate, key crypto.Signer, chain []*x509.Certificate) *LocalSigner {
	return &LocalSigner{
		Certificate: cert,
		Chain:       chain,
		Key:         key,
		Clock:       clockwork.NewRealClock(),
	}
}

// Sign implements Signer.
func (s *LocalSigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Certificate == nil || s.Key == nil {
		return nil, fmt.Errorf("signers: local signer needs a certificate and a key")
	}
	h, err := HashForDigest(digest)
	if err != nil {
		return nil, err
	}

	b := cms.NewBuilder(s.Certificate, s.Chain, h)
	if t, ok := SigningTimeFromContext(ctx); ok {
		b.SigningTime = t
	} else if s.Clock != nil {
		b.SigningTime = s.Clock.Now().UTC()
	}
	b.PSS = s.PSS
	b.CRLs = s.CRLs
	b.OCSPs = s.OCSPs

	zerolog.Ctx(ctx).Debug().
		Str("subject", s.Certificate.Subject.CommonName).
		Str("hash", h.String()).
		Msg("signing digest")
	return b.Sign(digest, s.Key)
}

// SignatureSize implements SizeEstimator.
func (s *LocalSigner) SignatureSize() int {
	return estimateSize(s.Certificate, s.Chain, s.CRLs, s.OCSPs)
}

// estimateSize bounds the CMS size from the embedded certificates and
// revocation data plus a fixed allowance for attributes and the signature.
func estimateSize(cert *x509.Certificate, chain []*x509.Certificate, crls, ocsps [][]byte) int {
	size := 2048
	if cert != nil {
		size += len(cert.Raw)
		switch pub := cert.PublicKey.(type) {
		case *rsa.PublicKey:
			size += pub.Size()
		case *ecdsa.PublicKey:
			size += 2*((pub.Curve.Params().BitSize+7)/8) + 16
		}
	}
	for _, c := range chain {
		size += len(c.Raw)
	}
	for _, b := range crls {
		size += len(b) + 8
	}
	for _, b := range ocsps {
		size += len(b) + 8
	}
	return size
}

var (
	_ Signer        = (*LocalSigner)(nil)
	_ SizeEstimator = (*LocalSigner)(nil)
	_ Signer        = SignerFunc(nil)
)
