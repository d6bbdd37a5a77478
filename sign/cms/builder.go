package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"sort"
	"time"
)

// Builder assembles a detached SignedData over a precomputed document digest.
type Builder struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Hash        crypto.Hash
	SigningTime time.Time
	// PSS selects RSASSA-PSS for RSA keys.
	PSS bool
	// CRLs and OCSPs are archived in the adbe-revocationInfoArchival attribute.
	CRLs  [][]byte
	OCSPs [][]byte
	// Rand is the entropy source for the private key operation; nil means crypto/rand.
	Rand io.Reader
}

// NewBuilder creates a builder for the given signer certificate.
func NewBuilder(cert *x509.Certificate, chain []*x509.Certificate, h crypto.Hash) *Builder {
	return &Builder{
		Certificate: cert,
		Chain:       chain,
		Hash:        h,
		SigningTime: time.Now().UTC(),
	}
}

type essCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  issuerSerial
}

type issuerSerial struct {
	Issuer       []asn1.RawValue
	SerialNumber *big.Int
}

type signingCertificateV2 struct {
	Certs []essCertIDv2
}

type attributeValue struct {
	oid asn1.ObjectIdentifier
	val any
}

// SignedAttributes returns the DER SET OF Attribute for digest. The private
// key signs the hash of exactly these bytes.
func (b *Builder) SignedAttributes(digest []byte) ([]byte, error) {
	if b.Certificate == nil {
		return nil, ErrMissingCertificate
	}
	if len(digest) != b.Hash.Size() {
		return nil, fmt.Errorf("cms: digest length %d does not match %v", len(digest), b.Hash)
	}
	digestOID, err := DigestOID(b.Hash)
	if err != nil {
		return nil, err
	}

	certHash := b.Hash.New()
	certHash.Write(b.Certificate.Raw)
	essID := essCertIDv2{
		CertHash: certHash.Sum(nil),
		IssuerSerial: issuerSerial{
			Issuer: []asn1.RawValue{{
				Class:      asn1.ClassContextSpecific,
				Tag:        4, // directoryName
				IsCompound: true,
				Bytes:      b.Certificate.RawIssuer,
			}},
			SerialNumber: b.Certificate.SerialNumber,
		},
	}
	// SHA-256 is the DEFAULT of ESSCertIDv2 and must be omitted in DER.
	if b.Hash != crypto.SHA256 {
		essID.HashAlgorithm = AlgorithmIdentifier{Algorithm: digestOID}
	}

	values := []attributeValue{
		{OIDContentType, OIDData},
		{OIDMessageDigest, digest},
		{OIDSigningTime, b.SigningTime.UTC()},
		{OIDSigningCertificateV2, signingCertificateV2{Certs: []essCertIDv2{essID}}},
	}
	if len(b.CRLs) > 0 || len(b.OCSPs) > 0 {
		values = append(values, attributeValue{OIDRevocationInfoArchival, b.archival()})
	}

	encoded := make([][]byte, 0, len(values))
	for _, v := range values {
		der, err := asn1.Marshal(v.val)
		if err != nil {
			return nil, fmt.Errorf("cms: marshal attribute %v: %w", v.oid, err)
		}
		attr, err := asn1.Marshal(Attribute{Type: v.oid, Values: []asn1.RawValue{{FullBytes: der}}})
		if err != nil {
			return nil, fmt.Errorf("cms: marshal attribute %v: %w", v.oid, err)
		}
		encoded = append(encoded, attr)
	}
	return derSet(encoded)
}

func (b *Builder) archival() revocationInfoArchival {
	var ria revocationInfoArchival
	for _, c := range b.CRLs {
		ria.CRLs = append(ria.CRLs, asn1.RawValue{FullBytes: c})
	}
	for _, o := range b.OCSPs {
		ria.OCSPs = append(ria.OCSPs, asn1.RawValue{FullBytes: o})
	}
	return ria
}

// derSet sorts the encoded elements and wraps them in a universal SET.
func derSet(elems [][]byte) ([]byte, error) {
	sort.Slice(elems, func(i, j int) bool { return bytes.Compare(elems[i], elems[j]) < 0 })
	return asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSet,
		IsCompound: true,
		Bytes:      bytes.Join(elems, nil),
	})
}

// Sign signs digest with key and returns the DER ContentInfo.
func (b *Builder) Sign(digest []byte, key crypto.Signer) ([]byte, error) {
	attrs, err := b.SignedAttributes(digest)
	if err != nil {
		return nil, err
	}
	h := b.Hash.New()
	h.Write(attrs)
	attrDigest := h.Sum(nil)

	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	var opts crypto.SignerOpts = b.Hash
	if _, ok := key.Public().(*rsa.PublicKey); ok && b.PSS {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: b.Hash}
	}
	sig, err := key.Sign(rnd, attrDigest, opts)
	if err != nil {
		return nil, fmt.Errorf("cms: sign: %w", err)
	}
	return b.Assemble(attrs, sig)
}

// SignatureAlgorithm returns the signatureAlgorithm identifier for the
// signer certificate's key type.
func (b *Builder) SignatureAlgorithm() (AlgorithmIdentifier, error) {
	switch b.Certificate.PublicKey.(type) {
	case *rsa.PublicKey:
		if b.PSS {
			return b.pssAlgorithm()
		}
		switch b.Hash {
		case crypto.SHA256:
			return AlgorithmIdentifier{Algorithm: OIDSHA256WithRSA, Parameters: asn1.NullRawValue}, nil
		case crypto.SHA384:
			return AlgorithmIdentifier{Algorithm: OIDSHA384WithRSA, Parameters: asn1.NullRawValue}, nil
		case crypto.SHA512:
			return AlgorithmIdentifier{Algorithm: OIDSHA512WithRSA, Parameters: asn1.NullRawValue}, nil
		}
	case *ecdsa.PublicKey:
		switch b.Hash {
		case crypto.SHA256:
			return AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA256}, nil
		case crypto.SHA384:
			return AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA384}, nil
		case crypto.SHA512:
			return AlgorithmIdentifier{Algorithm: OIDECDSAWithSHA512}, nil
		}
	}
	return AlgorithmIdentifier{}, fmt.Errorf("%w: %T with %v", ErrUnsupportedAlgorithm, b.Certificate.PublicKey, b.Hash)
}

func (b *Builder) pssAlgorithm() (AlgorithmIdentifier, error) {
	oid, err := DigestOID(b.Hash)
	if err != nil {
		return AlgorithmIdentifier{}, err
	}
	hashAlg := AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue}
	hashDER, err := asn1.Marshal(hashAlg)
	if err != nil {
		return AlgorithmIdentifier{}, err
	}
	params, err := asn1.Marshal(pssParameters{
		Hash:       hashAlg,
		MGF:        AlgorithmIdentifier{Algorithm: OIDMGF1, Parameters: asn1.RawValue{FullBytes: hashDER}},
		SaltLength: b.Hash.Size(),
	})
	if err != nil {
		return AlgorithmIdentifier{}, err
	}
	return AlgorithmIdentifier{Algorithm: OIDRSAPSS, Parameters: asn1.RawValue{FullBytes: params}}, nil
}

// Assemble wraps DER signed attributes and a signature value produced
// elsewhere, such as a hardware token, into a ContentInfo.
func (b *Builder) Assemble(signedAttrs, signature []byte) ([]byte, error) {
	if len(signedAttrs) == 0 || signedAttrs[0] != 0x31 {
		return nil, fmt.Errorf("cms: signed attributes must be a DER SET")
	}
	digestOID, err := DigestOID(b.Hash)
	if err != nil {
		return nil, err
	}
	sigAlg, err := b.SignatureAlgorithm()
	if err != nil {
		return nil, err
	}

	sid, err := asn1.Marshal(issuerAndSerialNumber{
		Issuer:       asn1.RawValue{FullBytes: b.Certificate.RawIssuer},
		SerialNumber: b.Certificate.SerialNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("cms: marshal signer identifier: %w", err)
	}
	// Signed attributes are carried with the context-specific [0] tag.
	implicit := append([]byte(nil), signedAttrs...)
	implicit[0] = 0xA0

	si, err := asn1.Marshal(signerInfo{
		Version:            1,
		SID:                asn1.RawValue{FullBytes: sid},
		DigestAlgorithm:    AlgorithmIdentifier{Algorithm: digestOID, Parameters: asn1.NullRawValue},
		SignedAttrs:        asn1.RawValue{FullBytes: implicit},
		SignatureAlgorithm: sigAlg,
		Signature:          signature,
	})
	if err != nil {
		return nil, fmt.Errorf("cms: marshal signer info: %w", err)
	}

	sd := signedData{
		Version:          1,
		DigestAlgorithms: []AlgorithmIdentifier{{Algorithm: digestOID, Parameters: asn1.NullRawValue}},
		EncapContentInfo: encapsulatedContentInfo{EContentType: OIDData},
		SignerInfos:      []asn1.RawValue{{FullBytes: si}},
	}
	sd.Certificates = append(sd.Certificates, asn1.RawValue{FullBytes: b.Certificate.Raw})
	for _, c := range b.Chain {
		if c.Equal(b.Certificate) {
			continue
		}
		sd.Certificates = append(sd.Certificates, asn1.RawValue{FullBytes: c.Raw})
	}

	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("cms: marshal signed data: %w", err)
	}
	return asn1.Marshal(contentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdDER},
	})
}
