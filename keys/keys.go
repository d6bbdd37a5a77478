// Package keys loads signing credentials from PEM, DER and PKCS#12 files.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/signpdfkit/SignPDFKit-Lib/sign/signers"
)

// Common errors
var (
	ErrNoCertFound      = errors.New("no certificate found in data")
	ErrNoKeyFound       = errors.New("no private key found in data")
	ErrUnknownKeyType   = errors.New("unknown private key type")
	ErrInvalidPEMBlock  = errors.New("invalid PEM block")
	ErrDecryptionFailed = errors.New("failed to decrypt private key")
	ErrKeyMismatch      = errors.New("private key does not match certificate")
)

// Credentials are a signing certificate, its key and the rest of its chain.
type Credentials struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
	Chain       []*x509.Certificate
}

// Validate checks that the key belongs to the certificate.
func (c *Credentials) Validate() error {
	if c.Certificate == nil {
		return ErrNoCertFound
	}
	if c.Key == nil {
		return ErrNoKeyFound
	}
	pub, ok := c.Certificate.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(c.Key.Public()) {
		return ErrKeyMismatch
	}
	return nil
}

// Signer returns a local signer over the credentials.
func (c *Credentials) Signer() *signers.LocalSigner {
	return signers.NewLocalSigner(c.Certificate, c.Key, c.Chain)
}

// LoadPemDer loads credentials from a certificate file, a key file and
// optional chain files.
func LoadPemDer(certFile, keyFile string, chainFiles []string, passphrase []byte) (*Credentials, error) {
	certs, err := LoadCertsFromFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", keyFile, err)
	}
	key, err := ParsePrivateKey(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}

	cred := &Credentials{Certificate: certs[0], Key: key, Chain: certs[1:]}
	for _, f := range chainFiles {
		more, err := LoadCertsFromFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to load certs from %s: %w", f, err)
		}
		cred.Chain = append(cred.Chain, more...)
	}
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return cred, nil
}

// LoadPKCS12File loads credentials from a PKCS#12 (.p12/.pfx) file.
func LoadPKCS12File(filename, password string) (*Credentials, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return ParsePKCS12(data, password)
}

// ParsePKCS12 decodes a PKCS#12 bundle holding one key, its certificate and
// any CA certificates.
func ParsePKCS12(data []byte, password string) (*Credentials, error) {
	priv, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	key, err := toSigner(priv)
	if err != nil {
		return nil, err
	}
	cred := &Credentials{Certificate: cert, Key: key, Chain: caCerts}
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return cred, nil
}

// LoadCertsFromFile loads certificates from a PEM or DER encoded file.
func LoadCertsFromFile(filename string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return ParseCertificates(data)
}

// ParseCertificates parses every certificate in PEM or DER data, in order.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	} else {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
		}
		certs = parsed
	}
	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

// ParsePrivateKey parses a PEM or DER private key. Legacy encrypted PEM
// blocks are decrypted with passphrase.
func ParsePrivateKey(data, passphrase []byte) (crypto.Signer, error) {
	if !isPEM(data) {
		return parseDERKey(data)
	}
	for rest := data; len(rest) > 0; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, ErrInvalidPEMBlock
		}
		keyBytes := block.Bytes
		if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
			if passphrase == nil {
				return nil, fmt.Errorf("%w: key is encrypted but no passphrase provided", ErrDecryptionFailed)
			}
			var err error
			if keyBytes, err = x509.DecryptPEMBlock(block, passphrase); err != nil { //nolint:staticcheck
				return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
			}
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(keyBytes)
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(keyBytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(keyBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
			}
			return toSigner(key)
		}
	}
	return nil, ErrNoKeyFound
}

func parseDERKey(data []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		return toSigner(key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(data); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(data); err == nil {
		return key, nil
	}
	return nil, ErrNoKeyFound
}

// toSigner accepts the key types the CMS layer can sign with.
func toSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKeyType, key)
	}
}

func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}
