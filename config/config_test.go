package config

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signpdfkit/SignPDFKit-Lib/internal/testpdf"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/fields"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/signers"
)

func TestNewConfigError(t *testing.T) {
	err := NewConfigError("field", "message")
	if err.Field != "field" {
		t.Errorf("Expected field 'field', got '%s'", err.Field)
	}
	if err.Message != "message" {
		t.Errorf("Expected message 'message', got '%s'", err.Message)
	}

	expected := "config error in 'field': message"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
	if !errors.Is(err, ErrConfigurationError) {
		t.Error("ConfigError should match ErrConfigurationError")
	}
}

func TestConfigErrorWithoutField(t *testing.T) {
	err := NewConfigError("", "general error")
	expected := "config error: general error"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
}

func TestDigestAlgorithm(t *testing.T) {
	tests := []struct {
		input   string
		want    crypto.Hash
		wantErr bool
	}{
		{"sha256", crypto.SHA256, false},
		{"SHA-384", crypto.SHA384, false},
		{"sha512", crypto.SHA512, false},
		{"", crypto.SHA256, false},
		{"md5", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d DigestAlgorithm
			err := d.UnmarshalText([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Hash())
		})
	}

	var zero DigestAlgorithm
	assert.Equal(t, crypto.SHA256, zero.Hash())
	text, err := DigestAlgorithm(crypto.SHA384).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "sha384", string(text))
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{Keys: KeysConfig{Type: KeysPemDer, PemDer: PemDerSignatureConfig{CertFile: "c.pem", KeyFile: "k.pem"}}}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad kind", func(c *Config) { c.Signing.Kind = "xades" }, "signing.kind"},
		{"bad type", func(c *Config) { c.Signing.Type = "witness" }, "signing.type"},
		{"bad level", func(c *Config) { c.Signing.Level = "forever" }, "signing.level"},
		{"negative placeholder", func(c *Config) { c.Signing.PlaceholderSize = -1 }, "signing.placeholder_size"},
		{"page zero based", func(c *Config) { c.Appearance.Page = -2 }, "appearance.page"},
		{"bad visibility", func(c *Config) { c.Appearance.Visibility = "hologram" }, "appearance.visibility"},
		{"short rect", func(c *Config) { c.Appearance.Rect = []float64{1, 2} }, "appearance.rect"},
		{"long anchor", func(c *Config) { c.Appearance.Anchor = "##" }, "appearance.anchor"},
		{"bad encoding", func(c *Config) { c.Appearance.Encoding = "ebcdic" }, "appearance.encoding"},
		{"missing key file", func(c *Config) { c.Keys.PemDer.KeyFile = "" }, "keys.pemder.key_file"},
		{"missing pfx", func(c *Config) { c.Keys = KeysConfig{Type: KeysPKCS12} }, "keys.pkcs12.pfx_file"},
		{"missing module", func(c *Config) { c.Keys = KeysConfig{Type: KeysPKCS11} }, "keys.pkcs11.module_path"},
		{"unknown keys type", func(c *Config) { c.Keys.Type = "hsm" }, "keys.type"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestPKCS11Token(t *testing.T) {
	slot := 1
	c := PKCS11SignatureConfig{ModulePath: "/usr/lib/softhsm/libsofthsm2.so", Slot: &slot, CertLabel: "signer", UserPIN: "1234"}
	tc, err := c.Token(true)
	require.NoError(t, err)
	assert.Equal(t, signers.PKCS11Config{
		ModulePath: "/usr/lib/softhsm/libsofthsm2.so",
		Slot:       &slot,
		PIN:        "1234",
		KeyLabel:   "signer",
		CertLabel:  "signer",
		PSS:        true,
	}, tc)

	c = PKCS11SignatureConfig{ModulePath: "m.so", KeyID: "0a0b"}
	tc, err = c.Token(false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b}, tc.KeyID)
	assert.Empty(t, tc.KeyLabel)

	c = PKCS11SignatureConfig{ModulePath: "m.so", KeyID: "zz"}
	_, err = c.Token(false)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "keys.pkcs11.key_id", ce.Field)
}

func TestField(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "sig.png")
	require.NoError(t, os.WriteFile(img, []byte("not decoded here"), 0o600))

	cfg := Config{
		Signing: SigningConfig{Kind: "pades", Type: "seal", Level: "ltv", Reason: "Approved", URL: "https://example.test/v"},
		Appearance: AppearanceConfig{
			FieldID: "Sig1", Page: 2, Visibility: "image-at-char", Rect: []float64{10, 20, 60, 30},
			Image: img, Anchor: "§", Encoding: "utf16", Lines: []string{"Signed"},
		},
	}
	f, err := cfg.Field()
	require.NoError(t, err)
	assert.Equal(t, "Sig1", f.FieldID)
	assert.Equal(t, 2, f.Page)
	assert.Equal(t, fields.PAdES, f.Kind)
	assert.Equal(t, fields.Certification, f.Type)
	assert.Equal(t, fields.LongTerm, f.Level)
	assert.Equal(t, fields.VisibleImageAtChar, f.Visibility)
	assert.Equal(t, fields.UTF16, f.Encoding)
	assert.Equal(t, fields.Rect{X: 10, Y: 20, Width: 60, Height: 30}, f.Rect)
	assert.Equal(t, '§', f.Anchor)
	assert.Equal(t, []byte("not decoded here"), f.Image)
	assert.Equal(t, "Approved", f.Reason)

	cfg.Appearance.Image = filepath.Join(dir, "missing.png")
	_, err = cfg.Field()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "appearance.image", ce.Field)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600))
}

func TestCredentials_PemDer(t *testing.T) {
	chain := testpdf.RSAChain()
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	rootFile := filepath.Join(dir, "root.pem")
	writePEM(t, certFile, "CERTIFICATE", chain.Leaf.Raw)
	writePEM(t, rootFile, "CERTIFICATE", chain.Root.Raw)
	keyDER, err := x509.MarshalPKCS8PrivateKey(chain.LeafKey)
	require.NoError(t, err)
	writePEM(t, keyFile, "PRIVATE KEY", keyDER)

	k := KeysConfig{Type: KeysPemDer, PreferPSS: true, PemDer: PemDerSignatureConfig{
		CertFile: certFile, KeyFile: keyFile, ChainFiles: []string{rootFile},
	}}
	cred, err := k.Credentials()
	require.NoError(t, err)
	assert.True(t, cred.Certificate.Equal(chain.Leaf))
	require.Len(t, cred.Chain, 1)
	assert.True(t, cred.Chain[0].Equal(chain.Root))

	s, closer, err := k.OpenSigner()
	require.NoError(t, err)
	defer closer.Close()
	local, ok := s.(*signers.LocalSigner)
	require.True(t, ok)
	assert.True(t, local.PSS)

	k.PemDer.KeyFile = filepath.Join(dir, "nope.pem")
	_, err = k.Credentials()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "keys.pemder", ce.Field)
}

func TestCredentials_Errors(t *testing.T) {
	var ce *ConfigError

	_, err := (&KeysConfig{}).Credentials()
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "keys.type", ce.Field)
	assert.ErrorIs(t, err, ErrMissingRequiredField)

	_, err = (&KeysConfig{Type: KeysPKCS11}).Credentials()
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "keys.type", ce.Field)

	_, _, err = (&KeysConfig{Type: KeysPKCS11}).OpenSigner()
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "keys.pkcs11.module_path", ce.Field)
}
