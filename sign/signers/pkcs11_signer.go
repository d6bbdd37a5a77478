package signers

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/signpdfkit/SignPDFKit-Lib/sign/cms"
)

// PKCS#11 related errors
var (
	ErrPKCS11ModuleLoad     = errors.New("failed to load PKCS#11 module")
	ErrPKCS11NoToken        = errors.New("no matching token found")
	ErrPKCS11NoKey          = errors.New("private key not found")
	ErrPKCS11NoCert         = errors.New("certificate not found")
	ErrPKCS11MultipleKeys   = errors.New("multiple private keys found")
	ErrPKCS11LoginFailed    = errors.New("PKCS#11 login failed")
	ErrPKCS11SignFailed     = errors.New("PKCS#11 signing failed")
	ErrPKCS11UnsupportedAlg = errors.New("unsupported algorithm for PKCS#11")
)

// PKCS11Config selects a token, a key and its certificate.
type PKCS11Config struct {
	ModulePath string
	// Slot is an index into the slots with a token present.
	Slot       *int
	TokenLabel string
	PIN        string
	KeyLabel   string
	KeyID      []byte
	// CertLabel defaults to KeyLabel.
	CertLabel string
	PSS       bool
}

// pkcs11Module is the subset of *pkcs11.Ctx used for signing.
type pkcs11Module interface {
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

// PKCS11Signer signs with a private key held on a PKCS#11 token.
type PKCS11Signer struct {
	module  pkcs11Module
	session pkcs11.SessionHandle
	closeFn func() error

	key   pkcs11.ObjectHandle
	cert  *x509.Certificate
	chain []*x509.Certificate
	pss   bool

	mu sync.Mutex
}

// OpenPKCS11 loads the module, logs in and finds the key and certificate.
func OpenPKCS11(cfg PKCS11Config) (*PKCS11Signer, error) {
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("%w: %s", ErrPKCS11ModuleLoad, cfg.ModulePath)
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("%w: initialize: %v", ErrPKCS11ModuleLoad, err)
	}
	release := func() {
		ctx.Finalize()
		ctx.Destroy()
	}

	slot, err := findSlot(ctx, cfg)
	if err != nil {
		release()
		return nil, err
	}
	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		release()
		return nil, fmt.Errorf("open session: %w", err)
	}
	if err := ctx.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)) {
		ctx.CloseSession(session)
		release()
		return nil, fmt.Errorf("%w: %v", ErrPKCS11LoginFailed, err)
	}

	s := &PKCS11Signer{
		module:  ctx,
		session: session,
		pss:     cfg.PSS,
		closeFn: func() error {
			ctx.Logout(session)
			err := ctx.CloseSession(session)
			release()
			return err
		},
	}
	if err := s.load(cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func findSlot(ctx *pkcs11.Ctx, cfg PKCS11Config) (uint, error) {
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("get slots: %w", err)
	}
	if len(slots) == 0 {
		return 0, fmt.Errorf("%w: no slots with tokens available", ErrPKCS11NoToken)
	}
	if cfg.Slot != nil {
		if *cfg.Slot < 0 || *cfg.Slot >= len(slots) {
			return 0, fmt.Errorf("%w: slot %d not found (only %d slots available)", ErrPKCS11NoToken, *cfg.Slot, len(slots))
		}
		return slots[*cfg.Slot], nil
	}
	if cfg.TokenLabel == "" {
		return slots[0], nil
	}
	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if strings.TrimRight(info.Label, " \x00") == cfg.TokenLabel {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("%w: label %q", ErrPKCS11NoToken, cfg.TokenLabel)
}

func (s *PKCS11Signer) load(cfg PKCS11Config) error {
	certLabel := cfg.CertLabel
	if certLabel == "" {
		certLabel = cfg.KeyLabel
	}
	cert, err := s.findCertificate(certLabel, cfg.KeyID)
	if err != nil {
		return err
	}
	key, err := s.findKey(cfg.KeyLabel, cfg.KeyID)
	if err != nil {
		return err
	}
	s.cert, s.key = cert, key
	return nil
}

func (s *PKCS11Signer) find(template []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if err := s.module.FindObjectsInit(s.session, template); err != nil {
		return nil, fmt.Errorf("FindObjectsInit failed: %w", err)
	}
	defer s.module.FindObjectsFinal(s.session)
	objs, _, err := s.module.FindObjects(s.session, 10)
	if err != nil {
		return nil, fmt.Errorf("FindObjects failed: %w", err)
	}
	return objs, nil
}

func lookupTemplate(class uint, label string, id []byte) []*pkcs11.Attribute {
	t := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, class)}
	if label != "" {
		t = append(t, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	if id != nil {
		t = append(t, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}
	return t
}

func (s *PKCS11Signer) findCertificate(label string, id []byte) (*x509.Certificate, error) {
	objs, err := s.find(lookupTemplate(pkcs11.CKO_CERTIFICATE, label, id))
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("%w: label=%q, id=%s", ErrPKCS11NoCert, label, hex.EncodeToString(id))
	}
	attrs, err := s.module.GetAttributeValue(s.session, objs[0], []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("GetAttributeValue failed: %w", err)
	}
	if len(attrs) == 0 || len(attrs[0].Value) == 0 {
		return nil, fmt.Errorf("%w: certificate has no value", ErrPKCS11NoCert)
	}
	return x509.ParseCertificate(attrs[0].Value)
}

func (s *PKCS11Signer) findKey(label string, id []byte) (pkcs11.ObjectHandle, error) {
	t := append(lookupTemplate(pkcs11.CKO_PRIVATE_KEY, label, id), pkcs11.NewAttribute(pkcs11.CKA_SIGN, true))
	objs, err := s.find(t)
	if err != nil {
		return 0, err
	}
	switch len(objs) {
	case 0:
		return 0, fmt.Errorf("%w: label=%q, id=%s", ErrPKCS11NoKey, label, hex.EncodeToString(id))
	case 1:
		return objs[0], nil
	default:
		return 0, fmt.Errorf("%w: label=%q, id=%s", ErrPKCS11MultipleKeys, label, hex.EncodeToString(id))
	}
}

// WithChain sets the intermediate certificates embedded in the CMS.
func (s *PKCS11Signer) WithChain(chain []*x509.Certificate) *PKCS11Signer {
	s.chain = chain
	return s
}

// Certificate returns the signing certificate read from the token.
func (s *PKCS11Signer) Certificate() *x509.Certificate { return s.cert }

// Sign implements Signer.
func (s *PKCS11Signer) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	local := &LocalSigner{
		Certificate: s.cert,
		Chain:       s.chain,
		Key:         &tokenKey{s: s},
		PSS:         s.pss,
	}
	return local.Sign(ctx, digest)
}

// SignatureSize implements SizeEstimator.
func (s *PKCS11Signer) SignatureSize() int {
	return estimateSize(s.cert, s.chain, nil, nil)
}

// Close logs out and releases the module.
func (s *PKCS11Signer) Close() error {
	if s.closeFn == nil {
		return nil
	}
	err := s.closeFn()
	s.closeFn = nil
	return err
}

// tokenKey is the crypto.Signer view of the token key.
type tokenKey struct {
	s *PKCS11Signer
}

func (k *tokenKey) Public() crypto.PublicKey { return k.s.cert.PublicKey }

func (k *tokenKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	mech, input, post, err := mechanismFor(k.s.cert.PublicKey, digest, opts)
	if err != nil {
		return nil, err
	}

	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	if err := k.s.module.SignInit(k.s.session, []*pkcs11.Mechanism{mech}, k.s.key); err != nil {
		return nil, fmt.Errorf("%w: SignInit failed: %v", ErrPKCS11SignFailed, err)
	}
	sig, err := k.s.module.Sign(k.s.session, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPKCS11SignFailed, err)
	}
	if post != nil {
		return post(sig)
	}
	return sig, nil
}

// mechanismFor picks a raw mechanism, since the digest is already computed,
// and the transformations around it.
func mechanismFor(pub crypto.PublicKey, digest []byte, opts crypto.SignerOpts) (*pkcs11.Mechanism, []byte, func([]byte) ([]byte, error), error) {
	h := opts.HashFunc()
	switch pub.(type) {
	case *rsa.PublicKey:
		if pssOpts, ok := opts.(*rsa.PSSOptions); ok {
			hashMech, mgf, ok := pssMechanisms(h)
			if !ok {
				return nil, nil, nil, fmt.Errorf("%w: RSA-PSS with %v", ErrPKCS11UnsupportedAlg, h)
			}
			salt := pssOpts.SaltLength
			if salt <= 0 {
				salt = h.Size()
			}
			params := pkcs11.NewPSSParams(hashMech, mgf, uint(salt))
			return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, params), digest, nil, nil
		}
		info, err := digestInfo(h, digest)
		if err != nil {
			return nil, nil, nil, err
		}
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), info, nil, nil
	case *ecdsa.PublicKey:
		return pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil), digest, encodeECDSASignature, nil
	default:
		return nil, nil, nil, fmt.Errorf("%w: %T", ErrPKCS11UnsupportedAlg, pub)
	}
}

func pssMechanisms(h crypto.Hash) (uint, uint, bool) {
	switch h {
	case crypto.SHA256:
		return pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256, true
	case crypto.SHA384:
		return pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384, true
	case crypto.SHA512:
		return pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512, true
	}
	return 0, 0, false
}

// digestInfo wraps a digest in a PKCS#1 DigestInfo structure.
func digestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	oid, err := cms.DigestOID(h)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(struct {
		Algorithm cms.AlgorithmIdentifier
		Digest    []byte
	}{cms.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue}, digest})
}

// encodeECDSASignature encodes an ECDSA signature (r||s) to DER.
func encodeECDSASignature(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length: %d", len(raw))
	}
	half := len(raw) / 2
	return asn1.Marshal(struct{ R, S *big.Int }{
		new(big.Int).SetBytes(raw[:half]),
		new(big.Int).SetBytes(raw[half:]),
	})
}

var (
	_ Signer        = (*PKCS11Signer)(nil)
	_ SizeEstimator = (*PKCS11Signer)(nil)
	_ crypto.Signer = (*tokenKey)(nil)
)
