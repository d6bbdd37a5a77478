package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/signpdfkit/SignPDFKit-Lib/logging"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/fields"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/signers"
)

// EnvPrefix prefixes every environment override, e.g.
// SIGNPDFKIT_SIGNING_REASON or SIGNPDFKIT_KEYS_PEMDER_CERT_FILE.
const EnvPrefix = "SIGNPDFKIT"

// newViperInstance creates a Viper instance with defaults and the
// SIGNPDFKIT_ environment overlay.
func newViperInstance() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults registers every key so AutomaticEnv can override it even when
// the file leaves it out.
func setDefaults(v *viper.Viper) {
	v.SetDefault("signing.kind", fields.Basic.String())
	v.SetDefault("signing.type", fields.Approval.String())
	v.SetDefault("signing.level", fields.Baseline.String())
	v.SetDefault("signing.digest_algorithm", "sha256")
	v.SetDefault("signing.placeholder_size", signers.DefaultPlaceholderSize)
	v.SetDefault("signing.reason", "")
	v.SetDefault("signing.location", "")
	v.SetDefault("signing.contact_info", "")
	v.SetDefault("signing.url", "")

	v.SetDefault("appearance.field_id", fields.DefaultFieldID)
	v.SetDefault("appearance.page", 1)
	v.SetDefault("appearance.visibility", fields.Invisible.String())
	v.SetDefault("appearance.rect", []float64{})
	v.SetDefault("appearance.image", "")
	v.SetDefault("appearance.anchor", string(fields.DefaultAnchor))
	v.SetDefault("appearance.encoding", fields.WinAnsi.String())
	v.SetDefault("appearance.lines", []string{})

	v.SetDefault("keys.type", "")
	v.SetDefault("keys.prefer_pss", false)
	v.SetDefault("keys.pemder.cert_file", "")
	v.SetDefault("keys.pemder.key_file", "")
	v.SetDefault("keys.pemder.chain_files", []string{})
	v.SetDefault("keys.pemder.key_passphrase", "")
	v.SetDefault("keys.pkcs12.pfx_file", "")
	v.SetDefault("keys.pkcs12.pfx_passphrase", "")
	v.SetDefault("keys.pkcs12.chain_files", []string{})
	v.SetDefault("keys.pkcs11.module_path", "")
	v.SetDefault("keys.pkcs11.token_label", "")
	v.SetDefault("keys.pkcs11.user_pin", "")
	v.SetDefault("keys.pkcs11.key_label", "")
	v.SetDefault("keys.pkcs11.key_id", "")
	v.SetDefault("keys.pkcs11.cert_label", "")
	v.SetDefault("keys.pkcs11.chain_files", []string{})

	v.SetDefault("logging.level", logging.DefaultLevel)
	v.SetDefault("logging.format", logging.FormatConsole)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", logging.DefaultMaxSizeMB)
	v.SetDefault("logging.max_backups", logging.DefaultMaxBackups)
	v.SetDefault("logging.max_age_days", logging.DefaultMaxAgeDays)
	v.SetDefault("logging.compress", false)
}

func viperDecoderOption() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.TextUnmarshallerHookFunc(),
		),
	)
}

// Load reads the YAML file at path. A missing path yields the defaults with
// environment overrides applied.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse reads configuration from YAML data. Unknown keys are rejected;
// SIGNPDFKIT_* environment variables take precedence over the document.
func Parse(data []byte) (*Config, error) {
	if err := checkKnownFields(data); err != nil {
		return nil, err
	}

	v := newViperInstance()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return unmarshalAndValidate(v)
}

// unmarshalAndValidate unmarshals viper config into Config and validates it.
func unmarshalAndValidate(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viperDecoderOption()); err != nil {
		return nil, &ConfigError{Message: "failed to unmarshal config", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checkKnownFields decodes data strictly so that misspelled keys are
// reported instead of silently ignored.
func checkKnownFields(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			return &ConfigError{Message: strings.Join(te.Errors, "; "), Err: ErrUnexpectedField}
		}
		return &ConfigError{Message: "failed to parse config", Err: err}
	}
	return nil
}
