// Package cms implements the subset of Cryptographic Message Syntax (RFC 5652)
// needed for detached PDF signatures: a SignedData builder over a precomputed
// document digest, a parser that keeps the raw signed attributes, and
// verification of RSA PKCS#1 v1.5, RSA-PSS and ECDSA signer signatures.
package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	_ "crypto/sha1" // registers crypto.SHA1 for legacy signatures
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
)

// OIDs for CMS and signature algorithms
var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	OIDRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDRSAPSS          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDMGF1            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}
	OIDECPublicKey     = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	OIDTimeStampToken       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

	// OIDRevocationInfoArchival is Adobe's adbe-revocationInfoArchival signed attribute.
	OIDRevocationInfoArchival = asn1.ObjectIdentifier{1, 2, 840, 113583, 1, 1, 8}
)

// Common errors
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMissingCertificate   = errors.New("signer certificate not found")
	ErrDigestMismatch       = errors.New("message digest mismatch")
	ErrNoSignerInfo         = errors.New("no signer infos")
	ErrMissingAttribute     = errors.New("missing signed attribute")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,omitempty,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,omitempty,tag:1,set"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// signerInfo keeps SignedAttrs raw so the exact signed bytes survive parsing.
type signerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type pssParameters struct {
	Hash       AlgorithmIdentifier `asn1:"explicit,optional,tag:0"`
	MGF        AlgorithmIdentifier `asn1:"explicit,optional,tag:1"`
	SaltLength int                 `asn1:"explicit,optional,tag:2,default:20"`
}

type revocationInfoArchival struct {
	CRLs         []asn1.RawValue `asn1:"optional,explicit,tag:0"`
	OCSPs        []asn1.RawValue `asn1:"optional,explicit,tag:1"`
	OtherRevInfo []asn1.RawValue `asn1:"optional,explicit,tag:2"`
}

// SignerInfo is the parsed form of the first CMS SignerInfo.
type SignerInfo struct {
	Version            int
	IssuerRaw          []byte
	SerialNumber       *big.Int
	SubjectKeyID       []byte
	DigestAlgorithm    AlgorithmIdentifier
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	SignedAttributes   []Attribute
	UnsignedAttributes []Attribute

	// rawSignedAttrs is the DER SET OF Attribute the signature was computed over.
	rawSignedAttrs []byte
}

// SignedData is a parsed detached CMS signature.
type SignedData struct {
	Version      int
	ContentType  asn1.ObjectIdentifier
	Certificates []*x509.Certificate
	// CRLs holds the DER CertificateList entries of the SignedData crls field.
	CRLs   [][]byte
	Signer SignerInfo
	Raw    []byte
}

func parseError(format string, args ...any) error {
	return sigerr.New(sigerr.CmsParseError, "cms.parse", format, args...)
}

// Parse decodes a DER ContentInfo wrapping SignedData. Trailing zero bytes,
// as left by a partially filled /Contents placeholder, are ignored.
func Parse(data []byte) (*SignedData, error) {
	if len(data) == 0 {
		return nil, parseError("empty signature")
	}

	var ci contentInfo
	rest, err := asn1.Unmarshal(data, &ci)
	if err != nil {
		return nil, parseError("content info: %w", err)
	}
	if len(bytes.Trim(rest, "\x00")) != 0 {
		return nil, parseError("%d trailing bytes after content info", len(rest))
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, parseError("expected SignedData, got %v", ci.ContentType)
	}

	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, parseError("signed data: %w", err)
	}
	if len(sd.SignerInfos) == 0 {
		return nil, sigerr.Wrap(sigerr.CmsParseError, "cms.parse", ErrNoSignerInfo)
	}

	out := &SignedData{
		Version:     sd.Version,
		ContentType: sd.EncapContentInfo.EContentType,
		Raw:         data[:len(data)-len(rest)],
	}
	for _, raw := range sd.Certificates {
		// Attribute and other certificate choices are tagged and skipped.
		if raw.Class != asn1.ClassUniversal {
			continue
		}
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			return nil, parseError("certificate: %w", err)
		}
		out.Certificates = append(out.Certificates, cert)
	}
	for _, raw := range sd.CRLs {
		if raw.Class == asn1.ClassUniversal {
			out.CRLs = append(out.CRLs, raw.FullBytes)
		}
	}

	si, err := parseSignerInfo(sd.SignerInfos[0].FullBytes)
	if err != nil {
		return nil, err
	}
	out.Signer = *si
	return out, nil
}

func parseSignerInfo(der []byte) (*SignerInfo, error) {
	var raw signerInfo
	if _, err := asn1.Unmarshal(der, &raw); err != nil {
		return nil, parseError("signer info: %w", err)
	}

	si := &SignerInfo{
		Version:            raw.Version,
		DigestAlgorithm:    raw.DigestAlgorithm,
		SignatureAlgorithm: raw.SignatureAlgorithm,
		Signature:          raw.Signature,
	}

	switch {
	case raw.SID.Class == asn1.ClassUniversal && raw.SID.Tag == asn1.TagSequence:
		var ias issuerAndSerialNumber
		if _, err := asn1.Unmarshal(raw.SID.FullBytes, &ias); err != nil {
			return nil, parseError("signer identifier: %w", err)
		}
		si.IssuerRaw = ias.Issuer.FullBytes
		si.SerialNumber = ias.SerialNumber
	case raw.SID.Class == asn1.ClassContextSpecific && raw.SID.Tag == 0:
		si.SubjectKeyID = raw.SID.Bytes
	default:
		return nil, parseError("unknown signer identifier tag %d", raw.SID.Tag)
	}

	if len(raw.SignedAttrs.FullBytes) > 0 {
		attrs, err := parseAttributes(raw.SignedAttrs.Bytes)
		if err != nil {
			return nil, err
		}
		si.SignedAttributes = attrs
		// The signature covers the attributes with their universal SET tag.
		si.rawSignedAttrs = append([]byte(nil), raw.SignedAttrs.FullBytes...)
		si.rawSignedAttrs[0] = 0x31
	}
	if len(raw.UnsignedAttrs.FullBytes) > 0 {
		attrs, err := parseAttributes(raw.UnsignedAttrs.Bytes)
		if err != nil {
			return nil, err
		}
		si.UnsignedAttributes = attrs
	}
	return si, nil
}

func parseAttributes(b []byte) ([]Attribute, error) {
	var attrs []Attribute
	for len(b) > 0 {
		var attr Attribute
		var err error
		b, err = asn1.Unmarshal(b, &attr)
		if err != nil {
			return nil, parseError("attribute: %w", err)
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

// Attribute returns the first value of the signed attribute with the given type.
func (si *SignerInfo) Attribute(oid asn1.ObjectIdentifier) ([]byte, bool) {
	for _, a := range si.SignedAttributes {
		if a.Type.Equal(oid) && len(a.Values) > 0 {
			return a.Values[0].FullBytes, true
		}
	}
	return nil, false
}

// HasTimestamp reports whether an RFC 3161 signature timestamp token is attached.
func (si *SignerInfo) HasTimestamp() bool {
	for _, a := range si.UnsignedAttributes {
		if a.Type.Equal(OIDTimeStampToken) {
			return true
		}
	}
	return false
}

// Hash returns the digest algorithm of the signer.
func (sd *SignedData) Hash() (crypto.Hash, error) {
	h, ok := hashForOID(sd.Signer.DigestAlgorithm.Algorithm)
	if !ok {
		return 0, sigerr.Wrap(sigerr.CmsParseError, "cms.hash",
			fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, sd.Signer.DigestAlgorithm.Algorithm))
	}
	return h, nil
}

// SignerCertificate returns the embedded certificate matching the signer identifier.
func (sd *SignedData) SignerCertificate() (*x509.Certificate, error) {
	si := &sd.Signer
	for _, c := range sd.Certificates {
		if si.SerialNumber != nil {
			if c.SerialNumber.Cmp(si.SerialNumber) == 0 && bytes.Equal(c.RawIssuer, si.IssuerRaw) {
				return c, nil
			}
			continue
		}
		if len(si.SubjectKeyID) > 0 && bytes.Equal(c.SubjectKeyId, si.SubjectKeyID) {
			return c, nil
		}
	}
	return nil, sigerr.Wrap(sigerr.CmsParseError, "cms.signer", ErrMissingCertificate)
}

// MessageDigest returns the value of the messageDigest signed attribute.
func (sd *SignedData) MessageDigest() ([]byte, error) {
	raw, ok := sd.Signer.Attribute(OIDMessageDigest)
	if !ok {
		return nil, sigerr.Wrap(sigerr.CmsParseError, "cms.messageDigest",
			fmt.Errorf("%w: messageDigest", ErrMissingAttribute))
	}
	var md []byte
	if _, err := asn1.Unmarshal(raw, &md); err != nil {
		return nil, parseError("messageDigest: %w", err)
	}
	return md, nil
}

// SigningTime returns the signingTime signed attribute, if present.
func (sd *SignedData) SigningTime() (time.Time, bool) {
	raw, ok := sd.Signer.Attribute(OIDSigningTime)
	if !ok {
		return time.Time{}, false
	}
	var t time.Time
	if _, err := asn1.Unmarshal(raw, &t); err != nil {
		return time.Time{}, false
	}
	return t, true
}

// RevocationInfo returns the CRLs and OCSP responses carried by the signature,
// either in the SignedData crls field or in the adbe-revocationInfoArchival
// signed attribute.
func (sd *SignedData) RevocationInfo() (crls, ocsps [][]byte) {
	crls = append(crls, sd.CRLs...)
	raw, ok := sd.Signer.Attribute(OIDRevocationInfoArchival)
	if !ok {
		return crls, nil
	}
	var ria revocationInfoArchival
	if _, err := asn1.Unmarshal(raw, &ria); err != nil {
		return crls, nil
	}
	for _, c := range ria.CRLs {
		crls = append(crls, c.FullBytes)
	}
	for _, o := range ria.OCSPs {
		ocsps = append(ocsps, o.FullBytes)
	}
	return crls, ocsps
}

// Verify hashes content with the signer's digest algorithm and verifies it.
func (sd *SignedData) Verify(content []byte) error {
	h, err := sd.Hash()
	if err != nil {
		return err
	}
	hh := h.New()
	hh.Write(content)
	return sd.VerifyDigest(hh.Sum(nil))
}

// VerifyDigest checks the signed messageDigest against digest and the
// signer's signature over the signed attributes.
func (sd *SignedData) VerifyDigest(digest []byte) error {
	h, err := sd.Hash()
	if err != nil {
		return err
	}
	cert, err := sd.SignerCertificate()
	if err != nil {
		return err
	}

	signed := digest
	if sd.Signer.rawSignedAttrs != nil {
		md, err := sd.MessageDigest()
		if err != nil {
			return err
		}
		if !bytes.Equal(md, digest) {
			return sigerr.Wrap(sigerr.IntegrityMismatch, "cms.verify", ErrDigestMismatch)
		}
		hh := h.New()
		hh.Write(sd.Signer.rawSignedAttrs)
		signed = hh.Sum(nil)
	}

	if err := verifySignature(cert.PublicKey, sd.Signer.SignatureAlgorithm, h, signed, sd.Signer.Signature); err != nil {
		if errors.Is(err, ErrUnsupportedAlgorithm) {
			return sigerr.Wrap(sigerr.CmsParseError, "cms.verify", err)
		}
		return sigerr.Wrap(sigerr.IntegrityMismatch, "cms.verify", err)
	}
	return nil
}

func verifySignature(pub crypto.PublicKey, alg AlgorithmIdentifier, h crypto.Hash, digest, sig []byte) error {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if alg.Algorithm.Equal(OIDRSAPSS) {
			pssHash := h
			if len(alg.Parameters.FullBytes) > 0 {
				var params pssParameters
				if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &params); err != nil {
					return fmt.Errorf("%w: pss parameters: %v", ErrUnsupportedAlgorithm, err)
				}
				if params.Hash.Algorithm != nil {
					if ph, ok := hashForOID(params.Hash.Algorithm); ok {
						pssHash = ph
					}
				}
			}
			if pssHash != h {
				return fmt.Errorf("%w: pss hash differs from digest algorithm", ErrUnsupportedAlgorithm)
			}
			opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: h}
			if err := rsa.VerifyPSS(key, h, digest, sig, opts); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
			}
			return nil
		}
		if err := rsa.VerifyPKCS1v15(key, h, digest, sig); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return ErrInvalidSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: public key %T", ErrUnsupportedAlgorithm, pub)
	}
}

func hashForOID(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	switch {
	case oid.Equal(OIDSHA1):
		return crypto.SHA1, true
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, true
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, true
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, true
	default:
		return 0, false
	}
}

// DigestOID returns the algorithm identifier of a supported hash.
func DigestOID(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA256:
		return OIDSHA256, nil
	case crypto.SHA384:
		return OIDSHA384, nil
	case crypto.SHA512:
		return OIDSHA512, nil
	default:
		return nil, fmt.Errorf("%w: hash %v", ErrUnsupportedAlgorithm, h)
	}
}
