// Package config reads signing settings from YAML with SIGNPDFKIT_*
// environment overrides.
package config

import (
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/signpdfkit/SignPDFKit-Lib/keys"
	"github.com/signpdfkit/SignPDFKit-Lib/logging"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/fields"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/signers"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrUnexpectedField      = errors.New("unexpected field in configuration")
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err == nil {
		return ErrConfigurationError
	}
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func missing(field string) *ConfigError {
	return &ConfigError{Field: field, Message: "required field is missing", Err: ErrMissingRequiredField}
}

func invalid(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Message: err.Error(), Err: err}
}

// Key set types.
const (
	KeysPemDer = "pemder"
	KeysPKCS12 = "pkcs12"
	KeysPKCS11 = "pkcs11"
)

// DigestAlgorithm is a byte-range digest algorithm given by name.
type DigestAlgorithm crypto.Hash

// UnmarshalText accepts sha256, sha384 and sha512 with or without a dash.
func (d *DigestAlgorithm) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.ReplaceAll(string(text), "-", "")) {
	case "", "sha256":
		*d = DigestAlgorithm(crypto.SHA256)
	case "sha384":
		*d = DigestAlgorithm(crypto.SHA384)
	case "sha512":
		*d = DigestAlgorithm(crypto.SHA512)
	default:
		return fmt.Errorf("unsupported digest algorithm %q", string(text))
	}
	return nil
}

// MarshalText returns the lower case name.
func (d DigestAlgorithm) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(strings.ReplaceAll(crypto.Hash(d).String(), "-", ""))), nil
}

// Hash returns the algorithm; zero means SHA-256.
func (d DigestAlgorithm) Hash() crypto.Hash {
	if d == 0 {
		return crypto.SHA256
	}
	return crypto.Hash(d)
}

// Config is the complete signing configuration.
type Config struct {
	Signing    SigningConfig    `yaml:"signing" mapstructure:"signing"`
	Appearance AppearanceConfig `yaml:"appearance" mapstructure:"appearance"`
	Keys       KeysConfig       `yaml:"keys" mapstructure:"keys"`
	Logging    logging.Config   `yaml:"logging" mapstructure:"logging"`
}

// SigningConfig holds the signature dictionary settings.
type SigningConfig struct {
	// Kind is "basic" (adbe.pkcs7.detached) or "pades" (ETSI.CAdES.detached).
	Kind string `yaml:"kind" mapstructure:"kind"`
	// Type is "approval" or "certification"; "signature" and "seal" are
	// accepted as aliases.
	Type string `yaml:"type" mapstructure:"type"`
	// Level is "baseline" or "long-term".
	Level           string          `yaml:"level" mapstructure:"level"`
	DigestAlgorithm DigestAlgorithm `yaml:"digest_algorithm" mapstructure:"digest_algorithm"`
	PlaceholderSize int             `yaml:"placeholder_size" mapstructure:"placeholder_size"`

	Reason      string `yaml:"reason" mapstructure:"reason"`
	Location    string `yaml:"location" mapstructure:"location"`
	ContactInfo string `yaml:"contact_info" mapstructure:"contact_info"`
	URL         string `yaml:"url" mapstructure:"url"`
}

// AppearanceConfig places and draws the signature widget.
type AppearanceConfig struct {
	FieldID    string `yaml:"field_id" mapstructure:"field_id"`
	Page       int    `yaml:"page" mapstructure:"page"`
	Visibility string `yaml:"visibility" mapstructure:"visibility"`
	// Rect is x, y, width, height in points.
	Rect     []float64 `yaml:"rect" mapstructure:"rect"`
	Image    string    `yaml:"image" mapstructure:"image"`
	Anchor   string    `yaml:"anchor" mapstructure:"anchor"`
	Encoding string    `yaml:"encoding" mapstructure:"encoding"`
	Lines    []string  `yaml:"lines" mapstructure:"lines"`
}

// KeysConfig selects the signing credentials.
type KeysConfig struct {
	// Type is "pemder", "pkcs12" or "pkcs11".
	Type   string                `yaml:"type" mapstructure:"type"`
	PemDer PemDerSignatureConfig `yaml:"pemder" mapstructure:"pemder"`
	PKCS12 PKCS12SignatureConfig `yaml:"pkcs12" mapstructure:"pkcs12"`
	PKCS11 PKCS11SignatureConfig `yaml:"pkcs11" mapstructure:"pkcs11"`
	// PreferPSS selects RSASSA-PSS for RSA keys.
	PreferPSS bool `yaml:"prefer_pss" mapstructure:"prefer_pss"`
}

// PemDerSignatureConfig contains configuration for signing using PEM/DER files.
type PemDerSignatureConfig struct {
	CertFile      string   `yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile       string   `yaml:"key_file" mapstructure:"key_file"`
	ChainFiles    []string `yaml:"chain_files" mapstructure:"chain_files"`
	KeyPassphrase string   `yaml:"key_passphrase" mapstructure:"key_passphrase"`
}

// Validate validates the PEM/DER signature configuration.
func (c *PemDerSignatureConfig) Validate() error {
	if c.CertFile == "" {
		return missing("keys.pemder.cert_file")
	}
	if c.KeyFile == "" {
		return missing("keys.pemder.key_file")
	}
	return nil
}

// GetPassphraseBytes returns the passphrase as bytes.
func (c *PemDerSignatureConfig) GetPassphraseBytes() []byte {
	if c.KeyPassphrase == "" {
		return nil
	}
	return []byte(c.KeyPassphrase)
}

// PKCS12SignatureConfig contains configuration for signing using a PKCS#12 file.
type PKCS12SignatureConfig struct {
	PFXFile       string   `yaml:"pfx_file" mapstructure:"pfx_file"`
	PFXPassphrase string   `yaml:"pfx_passphrase" mapstructure:"pfx_passphrase"`
	ChainFiles    []string `yaml:"chain_files" mapstructure:"chain_files"`
}

// Validate validates the PKCS12 signature configuration.
func (c *PKCS12SignatureConfig) Validate() error {
	if c.PFXFile == "" {
		return missing("keys.pkcs12.pfx_file")
	}
	return nil
}

// PKCS11SignatureConfig contains configuration for PKCS#11 signing.
type PKCS11SignatureConfig struct {
	ModulePath string `yaml:"module_path" mapstructure:"module_path"`
	// Slot is an index into the slots with a token present.
	Slot       *int   `yaml:"slot" mapstructure:"slot"`
	TokenLabel string `yaml:"token_label" mapstructure:"token_label"`
	UserPIN    string `yaml:"user_pin" mapstructure:"user_pin"`
	KeyLabel   string `yaml:"key_label" mapstructure:"key_label"`
	// KeyID is hex encoded.
	KeyID      string   `yaml:"key_id" mapstructure:"key_id"`
	CertLabel  string   `yaml:"cert_label" mapstructure:"cert_label"`
	ChainFiles []string `yaml:"chain_files" mapstructure:"chain_files"`
}

// Validate validates the PKCS#11 configuration.
func (c *PKCS11SignatureConfig) Validate() error {
	if c.ModulePath == "" {
		return missing("keys.pkcs11.module_path")
	}
	if c.KeyLabel == "" && c.KeyID == "" && c.CertLabel == "" {
		return NewConfigError("keys.pkcs11", "at least one of key_id, key_label or cert_label must be provided")
	}
	if _, err := hex.DecodeString(c.KeyID); err != nil {
		return invalid("keys.pkcs11.key_id", err)
	}
	if c.Slot != nil && *c.Slot < 0 {
		return NewConfigError("keys.pkcs11.slot", "slot index must not be negative")
	}
	return nil
}

// Token converts the configuration for signers.OpenPKCS11. Key identifiers
// default to the certificate label.
func (c *PKCS11SignatureConfig) Token(pss bool) (signers.PKCS11Config, error) {
	if err := c.Validate(); err != nil {
		return signers.PKCS11Config{}, err
	}
	var id []byte
	if c.KeyID != "" {
		id, _ = hex.DecodeString(c.KeyID)
	}
	keyLabel := c.KeyLabel
	if keyLabel == "" && len(id) == 0 {
		keyLabel = c.CertLabel
	}
	return signers.PKCS11Config{
		ModulePath: c.ModulePath,
		Slot:       c.Slot,
		TokenLabel: c.TokenLabel,
		PIN:        c.UserPIN,
		KeyLabel:   keyLabel,
		KeyID:      id,
		CertLabel:  c.CertLabel,
		PSS:        pss,
	}, nil
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if c.Signing.PlaceholderSize < 0 {
		return NewConfigError("signing.placeholder_size", "must not be negative")
	}
	if _, err := fields.ParseSubFilter(c.Signing.Kind); err != nil && c.Signing.Kind != "" {
		return invalid("signing.kind", err)
	}
	if _, err := fields.ParseSignatureType(c.Signing.Type); err != nil {
		return invalid("signing.type", err)
	}
	if _, err := fields.ParseLevel(c.Signing.Level); err != nil {
		return invalid("signing.level", err)
	}

	a := c.Appearance
	if a.Page < 0 {
		return NewConfigError("appearance.page", "pages are numbered from 1")
	}
	if a.Visibility != "" {
		if _, err := fields.ParseVisibility(a.Visibility); err != nil {
			return invalid("appearance.visibility", err)
		}
	}
	if n := len(a.Rect); n != 0 && n != 4 {
		return NewConfigError("appearance.rect", fmt.Sprintf("expected x, y, width, height; got %d values", n))
	}
	if utf8.RuneCountInString(a.Anchor) > 1 {
		return NewConfigError("appearance.anchor", "anchor must be a single character")
	}
	if _, err := fields.ParseTextEncoding(a.Encoding); err != nil {
		return invalid("appearance.encoding", err)
	}

	switch c.Keys.Type {
	case "":
	case KeysPemDer:
		if err := c.Keys.PemDer.Validate(); err != nil {
			return err
		}
	case KeysPKCS12:
		if err := c.Keys.PKCS12.Validate(); err != nil {
			return err
		}
	case KeysPKCS11:
		if err := c.Keys.PKCS11.Validate(); err != nil {
			return err
		}
	default:
		return NewConfigError("keys.type", fmt.Sprintf("unknown key set type %q (must be pemder, pkcs12 or pkcs11)", c.Keys.Type))
	}

	if err := c.Logging.Validate(); err != nil {
		return invalid("logging", err)
	}
	return nil
}

// Field builds the signature field described by the signing and appearance
// sections. The image file, if any, is read here.
func (c *Config) Field() (fields.SignatureField, error) {
	s, a := c.Signing, c.Appearance
	f := fields.SignatureField{
		FieldID:     a.FieldID,
		Page:        a.Page,
		Reason:      s.Reason,
		Location:    s.Location,
		ContactInfo: s.ContactInfo,
		URL:         s.URL,
		Lines:       a.Lines,
	}
	var err error
	if s.Kind != "" {
		if f.Kind, err = fields.ParseSubFilter(s.Kind); err != nil {
			return f, invalid("signing.kind", err)
		}
	}
	if f.Type, err = fields.ParseSignatureType(s.Type); err != nil {
		return f, invalid("signing.type", err)
	}
	if f.Level, err = fields.ParseLevel(s.Level); err != nil {
		return f, invalid("signing.level", err)
	}
	if a.Visibility != "" {
		if f.Visibility, err = fields.ParseVisibility(a.Visibility); err != nil {
			return f, invalid("appearance.visibility", err)
		}
	}
	if f.Encoding, err = fields.ParseTextEncoding(a.Encoding); err != nil {
		return f, invalid("appearance.encoding", err)
	}
	if len(a.Rect) == 4 {
		f.Rect = fields.Rect{X: a.Rect[0], Y: a.Rect[1], Width: a.Rect[2], Height: a.Rect[3]}
	}
	if a.Anchor != "" {
		f.Anchor, _ = utf8.DecodeRuneInString(a.Anchor)
	}
	if a.Image != "" {
		if f.Image, err = os.ReadFile(a.Image); err != nil {
			return f, &ConfigError{Field: "appearance.image", Message: "failed to read image", Err: err}
		}
	}
	return f, nil
}

// Credentials loads the pemder or pkcs12 key set.
func (k *KeysConfig) Credentials() (*keys.Credentials, error) {
	var (
		cred  *keys.Credentials
		extra []string
		err   error
	)
	switch k.Type {
	case KeysPemDer:
		if err := k.PemDer.Validate(); err != nil {
			return nil, err
		}
		cred, err = keys.LoadPemDer(k.PemDer.CertFile, k.PemDer.KeyFile, k.PemDer.ChainFiles, k.PemDer.GetPassphraseBytes())
	case KeysPKCS12:
		if err := k.PKCS12.Validate(); err != nil {
			return nil, err
		}
		cred, err = keys.LoadPKCS12File(k.PKCS12.PFXFile, k.PKCS12.PFXPassphrase)
		extra = k.PKCS12.ChainFiles
	case "":
		return nil, missing("keys.type")
	default:
		return nil, NewConfigError("keys.type", fmt.Sprintf("key set type %q has no file credentials", k.Type))
	}
	if err != nil {
		return nil, &ConfigError{Field: "keys." + k.Type, Message: "failed to load credentials", Err: err}
	}
	for _, f := range extra {
		certs, err := keys.LoadCertsFromFile(f)
		if err != nil {
			return nil, &ConfigError{Field: "keys." + k.Type + ".chain_files", Message: "failed to load certificates", Err: err}
		}
		cred.Chain = append(cred.Chain, certs...)
	}
	return cred, nil
}

// OpenSigner returns a Signer for the configured key set. The closer
// releases token sessions and must be closed by the caller.
func (k *KeysConfig) OpenSigner() (signers.Signer, io.Closer, error) {
	if k.Type == KeysPKCS11 {
		tc, err := k.PKCS11.Token(k.PreferPSS)
		if err != nil {
			return nil, nil, err
		}
		s, err := signers.OpenPKCS11(tc)
		if err != nil {
			return nil, nil, &ConfigError{Field: "keys.pkcs11", Message: "failed to open token", Err: err}
		}
		var chain []*x509.Certificate
		for _, f := range k.PKCS11.ChainFiles {
			certs, err := keys.LoadCertsFromFile(f)
			if err != nil {
				_ = s.Close()
				return nil, nil, &ConfigError{Field: "keys.pkcs11.chain_files", Message: "failed to load certificates", Err: err}
			}
			chain = append(chain, certs...)
		}
		if len(chain) > 0 {
			s = s.WithChain(chain)
		}
		return s, s, nil
	}

	cred, err := k.Credentials()
	if err != nil {
		return nil, nil, err
	}
	s := cred.Signer()
	s.PSS = k.PreferPSS
	return s, nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
