package cli

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signpdfkit/SignPDFKit-Lib/internal/testpdf"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/cms"
)

type fixture struct {
	dir, in, cert, key, root string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:  dir,
		in:   filepath.Join(dir, "in.pdf"),
		cert: filepath.Join(dir, "cert.pem"),
		key:  filepath.Join(dir, "key.pem"),
		root: filepath.Join(dir, "root.pem"),
	}
	chain := testpdf.RSAChain()
	keyDER, err := x509.MarshalPKCS8PrivateKey(chain.LeafKey)
	require.NoError(t, err)
	writePEM(t, f.cert, "CERTIFICATE", chain.Leaf.Raw)
	writePEM(t, f.key, "PRIVATE KEY", keyDER)
	writePEM(t, f.root, "CERTIFICATE", chain.Root.Raw)
	require.NoError(t, os.WriteFile(f.in, testpdf.Build(testpdf.Default()), 0o600))
	return f
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600))
}

func run(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = Run(context.Background(), append([]string{"signpdfkit"}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func decodeSignatures(t *testing.T, s string) []VerifyResult {
	t.Helper()
	var doc struct {
		Signatures []VerifyResult `json:"signatures"`
	}
	require.NoError(t, json.Unmarshal([]byte(s), &doc))
	return doc.Signatures
}

func TestRun_Usage(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr, "Commands:")

	code, _, stderr = run("frobnicate")
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, _, _ = run("help")
	assert.Equal(t, ExitOK, code)

	code, stdout, _ := run("version")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, stdout, Version)

	code, _, _ = run("sign", "only-one.pdf")
	assert.Equal(t, ExitUsage, code)
}

func TestSignAndVerify(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "signed.pdf")

	code, stdout, stderr := run("sign",
		"-cert", f.cert, "-key", f.key, "-chain", f.root,
		"-field", "Approval", "-reason", "Approved", "-log-level", "error",
		f.in, out)
	require.Equal(t, ExitOK, code, stderr)
	assert.Contains(t, stdout, "Successfully signed PDF")

	code, stdout, stderr = run("verify", "-json", out)
	require.Equal(t, ExitOK, code, stderr)
	sigs := decodeSignatures(t, stdout)
	require.Len(t, sigs, 1)
	assert.Equal(t, "VALID", sigs[0].Status)
	assert.Equal(t, "Approval", sigs[0].FieldName)
	assert.Equal(t, "Approved", sigs[0].Reason)
	assert.Equal(t, "signed", sigs[0].State)
	assert.True(t, sigs[0].CoversWholeDocument)
	require.NotNil(t, sigs[0].Certificate)

	code, stdout, _ = run("verify", out)
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, stdout, "Signature 0 (Approval): VALID")

	code, stdout, _ = run("verify", "-all", "-json", out)
	assert.Equal(t, ExitOK, code)
	assert.Len(t, decodeSignatures(t, stdout), 1)
}

func TestSign_ConfigFile(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "signed.pdf")
	cfgFile := filepath.Join(f.dir, "signpdfkit.yaml")
	cfg := "signing:\n  kind: pades\n  reason: From file\nkeys:\n  type: pemder\n  pemder:\n" +
		"    cert_file: " + f.cert + "\n    key_file: " + f.key + "\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(cfg), 0o600))

	code, _, stderr := run("sign", "-config", cfgFile, "-reason", "From flag", f.in, out)
	require.Equal(t, ExitOK, code, stderr)

	code, stdout, _ := run("verify", "-json", out)
	require.Equal(t, ExitOK, code)
	sigs := decodeSignatures(t, stdout)
	require.Len(t, sigs, 1)
	assert.Equal(t, "From flag", sigs[0].Reason)
	assert.Equal(t, "ETSI.CAdES.detached", sigs[0].SubFilter)
}

func TestSign_Errors(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "signed.pdf")

	code, _, stderr := run("sign", f.in, out)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "keys.type")

	code, _, stderr = run("sign", "-cert", f.cert, "-key", f.key, "-rect", "1,2,3", f.in, out)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "appearance.rect")

	code, _, _ = run("sign", "-cert", f.cert, "-key", f.key, "-hash", "md5", f.in, out)
	assert.Equal(t, ExitFailure, code)

	_, err := os.Stat(out)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestVerify_Unsigned(t *testing.T) {
	f := newFixture(t)
	code, _, stderr := run("verify", f.in)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "Error:")

	code, _, _ = run("verify", filepath.Join(f.dir, "missing.pdf"))
	assert.Equal(t, ExitFailure, code)
}

func TestDigestEmbedAndRevocation(t *testing.T) {
	f := newFixture(t)
	handle := filepath.Join(f.dir, "handle.bin")
	p7s := filepath.Join(f.dir, "sig.p7s")
	out := filepath.Join(f.dir, "signed.pdf")

	code, stdout, stderr := run("digest", "-level", "long-term", f.in, handle)
	require.Equal(t, ExitOK, code, stderr)
	digest, err := hex.DecodeString(strings.TrimSpace(stdout))
	require.NoError(t, err)
	assert.Len(t, digest, 32)

	chain := testpdf.RSAChain()
	der, err := cms.NewBuilder(chain.Leaf, []*x509.Certificate{chain.Root}, crypto.SHA256).Sign(digest, chain.LeafKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p7s, der, 0o600))

	code, stdout, stderr = run("revocation", p7s)
	require.Equal(t, ExitOK, code, stderr)
	var items []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &items))
	require.NotEmpty(t, items)
	assert.Equal(t, "ocsp", items[0].Type)
	assert.Equal(t, "http://ocsp.example.test", items[0].URL)

	code, _, stderr = run("embed", "-cert", f.root, handle, p7s, out)
	require.Equal(t, ExitOK, code, stderr)

	code, stdout, _ = run("verify", "-json", out)
	require.Equal(t, ExitOK, code)
	sigs := decodeSignatures(t, stdout)
	require.Len(t, sigs, 1)
	assert.Equal(t, "ltv-embedded", sigs[0].State)
}

func TestEmbed_Errors(t *testing.T) {
	f := newFixture(t)
	code, _, _ := run("embed", "a", "b")
	assert.Equal(t, ExitUsage, code)

	bogus := filepath.Join(f.dir, "handle.bin")
	require.NoError(t, os.WriteFile(bogus, []byte("not a handle"), 0o600))
	code, _, _ = run("embed", bogus, bogus, filepath.Join(f.dir, "out.pdf"))
	assert.Equal(t, ExitFailure, code)

	code, _, _ = run("revocation", bogus)
	assert.Equal(t, ExitFailure, code)
}

func TestParseRect(t *testing.T) {
	r, err := parseRect("10, 20,30.5,40")
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30.5, 40}, r)

	_, err = parseRect("1,2,3")
	assert.Error(t, err)
	_, err = parseRect("1,2,x,4")
	assert.Error(t, err)
}
