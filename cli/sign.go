package cli

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	signpdfkit "github.com/signpdfkit/SignPDFKit-Lib"
	"github.com/signpdfkit/SignPDFKit-Lib/config"
	"github.com/signpdfkit/SignPDFKit-Lib/logging"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/dss"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/signers"
)

// SignOptions are the command-line overrides of the configuration file.
type SignOptions struct {
	ConfigFile string
	FieldName  string
	Page       int
	Visibility string
	Rect       string
	Image      string
	Anchor     string
	Encoding   string

	Reason   string
	Location string
	Contact  string
	URL      string
	Kind     string
	Type     string
	Level    string
	Hash     string

	CertFile   string
	KeyFile    string
	ChainFiles fileList
	PFXFile    string
	Passphrase string
	LogLevel   string
}

func (o *SignOptions) register(fs *flag.FlagSet, withKeys bool) {
	fs.StringVar(&o.ConfigFile, "config", "", "YAML configuration file")
	fs.StringVar(&o.FieldName, "field", "", "Name of the signature field")
	fs.IntVar(&o.Page, "page", 0, "1-based page of the signature widget")
	fs.StringVar(&o.Visibility, "visibility", "", "invisible, image, qr, image-at-char or qr-at-char")
	fs.StringVar(&o.Rect, "rect", "", "Widget rectangle as x,y,width,height")
	fs.StringVar(&o.Image, "image", "", "Image file for the image visibility modes")
	fs.StringVar(&o.Anchor, "anchor", "", "Anchor character for the at-char modes")
	fs.StringVar(&o.Encoding, "encoding", "", "Text encoding: winansi or utf16")
	fs.StringVar(&o.Reason, "reason", "", "Reason for signing")
	fs.StringVar(&o.Location, "location", "", "Location of the signatory")
	fs.StringVar(&o.Contact, "contact", "", "Contact information for signatory")
	fs.StringVar(&o.URL, "url", "", "URL encoded in the QR code")
	fs.StringVar(&o.Kind, "kind", "", "Signature kind: basic or pades")
	fs.StringVar(&o.Type, "type", "", "Signature type: approval or certification")
	fs.StringVar(&o.Level, "level", "", "Signature level: baseline or long-term")
	fs.StringVar(&o.Hash, "hash", "", "Digest algorithm: sha256, sha384 or sha512")
	fs.StringVar(&o.LogLevel, "log-level", "", "Log level")
	if withKeys {
		fs.StringVar(&o.CertFile, "cert", "", "Signing certificate (PEM or DER)")
		fs.StringVar(&o.KeyFile, "key", "", "Private key (PEM or DER)")
		fs.Var(&o.ChainFiles, "chain", "Chain certificate file (repeatable)")
		fs.StringVar(&o.PFXFile, "p12", "", "PKCS#12 file holding key and certificates")
		fs.StringVar(&o.Passphrase, "password", "", "Key or PKCS#12 passphrase")
	}
}

// load reads the configuration and applies the flags given.
func (o *SignOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return nil, err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	a, s := &cfg.Appearance, &cfg.Signing
	set(&a.FieldID, o.FieldName)
	set(&a.Visibility, o.Visibility)
	set(&a.Image, o.Image)
	set(&a.Anchor, o.Anchor)
	set(&a.Encoding, o.Encoding)
	if o.Page != 0 {
		a.Page = o.Page
	}
	if o.Rect != "" {
		if a.Rect, err = parseRect(o.Rect); err != nil {
			return nil, config.NewConfigError("appearance.rect", err.Error())
		}
	}
	set(&s.Reason, o.Reason)
	set(&s.Location, o.Location)
	set(&s.ContactInfo, o.Contact)
	set(&s.URL, o.URL)
	set(&s.Kind, o.Kind)
	set(&s.Type, o.Type)
	set(&s.Level, o.Level)
	if o.Hash != "" {
		if err := s.DigestAlgorithm.UnmarshalText([]byte(o.Hash)); err != nil {
			return nil, config.NewConfigError("signing.digest_algorithm", err.Error())
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)

	switch {
	case o.CertFile != "" || o.KeyFile != "":
		cfg.Keys.Type = config.KeysPemDer
		cfg.Keys.PemDer = config.PemDerSignatureConfig{
			CertFile: o.CertFile, KeyFile: o.KeyFile, ChainFiles: o.ChainFiles, KeyPassphrase: o.Passphrase,
		}
	case o.PFXFile != "":
		cfg.Keys.Type = config.KeysPKCS12
		cfg.Keys.PKCS12 = config.PKCS12SignatureConfig{
			PFXFile: o.PFXFile, PFXPassphrase: o.Passphrase, ChainFiles: o.ChainFiles,
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// logger builds the command logger; log records go to stderr.
func (e *env) logger(cfg logging.Config) (zerolog.Logger, io.Closer, error) {
	return logging.New(cfg, e.stderr)
}

func signCommand(e *env, args []string) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var opts SignOptions
	opts.register(fs, true)
	fs.Usage = func() {
		fmt.Fprintf(e.stderr, "Usage: %s sign [options] <input.pdf> <output.pdf>\n\n", e.prog)
		fmt.Fprintln(e.stderr, "Sign a PDF file. Keys come from -cert/-key, -p12 or the configuration file.")
		fmt.Fprintln(e.stderr, "")
		fmt.Fprintln(e.stderr, "Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return ExitUsage
	}

	cfg, err := opts.load()
	if err != nil {
		return e.failf("%v", err)
	}
	log, closer, err := e.logger(cfg.Logging)
	if err != nil {
		return e.failf("%v", err)
	}
	defer closer.Close()

	app, sopts, err := signpdfkit.FromConfig(cfg)
	if err != nil {
		return e.failf("%v", err)
	}
	s, sclose, err := cfg.Keys.OpenSigner()
	if err != nil {
		return e.failf("%v", err)
	}
	defer sclose.Close()

	ctx := log.WithContext(e.ctx)
	if err := signpdfkit.Sign(ctx, fs.Arg(0), fs.Arg(1), app, sopts, s); err != nil {
		return e.failf("%v", err)
	}
	fmt.Fprintf(e.stdout, "Successfully signed PDF: %s\n", fs.Arg(1))
	return ExitOK
}

func digestCommand(e *env, args []string) int {
	fs := flag.NewFlagSet("digest", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var opts SignOptions
	opts.register(fs, false)
	fs.Usage = func() {
		fmt.Fprintf(e.stderr, "Usage: %s digest [options] <input.pdf> <handle.bin>\n\n", e.prog)
		fmt.Fprintln(e.stderr, "Prepare a PDF, save the prepared state to handle.bin and print the hex digest.")
		fmt.Fprintln(e.stderr, "")
		fmt.Fprintln(e.stderr, "Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return ExitUsage
	}

	cfg, err := opts.load()
	if err != nil {
		return e.failf("%v", err)
	}
	log, closer, err := e.logger(cfg.Logging)
	if err != nil {
		return e.failf("%v", err)
	}
	defer closer.Close()

	app, sopts, err := signpdfkit.FromConfig(cfg)
	if err != nil {
		return e.failf("%v", err)
	}
	digest, pre, err := signpdfkit.CalculateDigest(log.WithContext(e.ctx), fs.Arg(0), app, sopts)
	if err != nil {
		return e.failf("%v", err)
	}
	handle, err := pre.MarshalBinary()
	if err != nil {
		return e.failf("failed to encode prepared document: %v", err)
	}
	if err := os.WriteFile(fs.Arg(1), handle, 0o600); err != nil {
		return e.failf("failed to write handle: %v", err)
	}
	fmt.Fprintln(e.stdout, hex.EncodeToString(digest))
	return ExitOK
}

func embedCommand(e *env, args []string) int {
	fs := flag.NewFlagSet("embed", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var ocsps, crls, certs fileList
	fs.Var(&ocsps, "ocsp", "DER OCSP response file (repeatable)")
	fs.Var(&crls, "crl", "DER or PEM CRL file (repeatable)")
	fs.Var(&certs, "cert", "Extra certificate file for the DSS (repeatable)")
	logLevel := fs.String("log-level", "", "Log level")
	fs.Usage = func() {
		fmt.Fprintf(e.stderr, "Usage: %s embed [options] <handle.bin> <signature.p7s> <output.pdf>\n\n", e.prog)
		fmt.Fprintln(e.stderr, "Embed a DER CMS signature. Long-term signatures also get the given revocation data.")
		fmt.Fprintln(e.stderr, "")
		fmt.Fprintln(e.stderr, "Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if fs.NArg() != 3 {
		fs.Usage()
		return ExitUsage
	}

	log, closer, err := e.logger(logging.Config{Level: *logLevel})
	if err != nil {
		return e.failf("%v", err)
	}
	defer closer.Close()

	handle, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return e.failf("%v", err)
	}
	var pre signers.PreSigned
	if err := pre.UnmarshalBinary(handle); err != nil {
		return e.failf("%v", err)
	}
	cmsDER, err := os.ReadFile(fs.Arg(1))
	if err != nil {
		return e.failf("%v", err)
	}

	ev := &dss.Evidence{}
	if ev.OCSPs, err = readAll(ocsps); err != nil {
		return e.failf("%v", err)
	}
	if ev.CRLs, err = readAll(crls); err != nil {
		return e.failf("%v", err)
	}
	for _, f := range certs {
		c, err := loadCerts(f)
		if err != nil {
			return e.failf("%v", err)
		}
		ev.Certs = append(ev.Certs, c...)
	}

	if err := signpdfkit.EmbedCMS(log.WithContext(e.ctx), &pre, cmsDER, fs.Arg(2), ev); err != nil {
		return e.failf("%v", err)
	}
	fmt.Fprintf(e.stdout, "Successfully signed PDF: %s\n", fs.Arg(2))
	return ExitOK
}

func readAll(files []string) ([][]byte, error) {
	var out [][]byte
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}
