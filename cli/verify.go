package cli

import (
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	signpdfkit "github.com/signpdfkit/SignPDFKit-Lib"
	"github.com/signpdfkit/SignPDFKit-Lib/keys"
	"github.com/signpdfkit/SignPDFKit-Lib/sign/validation"
)

func loadCerts(path string) ([]*x509.Certificate, error) {
	return keys.LoadCertsFromFile(path)
}

// VerifyResult is a JSON-serializable verification result for a single signature.
type VerifyResult struct {
	SignatureIndex      int              `json:"signature_index"`
	FieldName           string           `json:"field_name,omitempty"`
	Status              string           `json:"status"`
	IntegrityValid      bool             `json:"integrity_valid"`
	StructurallyValid   bool             `json:"structurally_valid"`
	CMSStatus           string           `json:"cms_status"`
	State               string           `json:"state"`
	Modification        string           `json:"modification"`
	CoversWholeDocument bool             `json:"covers_whole_document"`
	ByteRange           [4]int64         `json:"byte_range"`
	SigningTime         string           `json:"signing_time,omitempty"`
	Reason              string           `json:"reason,omitempty"`
	Location            string           `json:"location,omitempty"`
	SubFilter           string           `json:"sub_filter,omitempty"`
	HasTimestamp        bool             `json:"has_timestamp"`
	Error               string           `json:"error,omitempty"`
	Certificate         *CertificateInfo `json:"certificate,omitempty"`
}

// CertificateInfo contains certificate information for JSON output.
type CertificateInfo struct {
	Subject   string `json:"subject"`
	Issuer    string `json:"issuer"`
	Serial    string `json:"serial"`
	NotBefore string `json:"not_before"`
	NotAfter  string `json:"not_after"`
}

func toVerifyResult(i int, r *validation.Result) *VerifyResult {
	out := &VerifyResult{
		SignatureIndex:      i,
		FieldName:           r.FieldName,
		Status:              "INVALID",
		IntegrityValid:      r.DigestMatch,
		StructurallyValid:   r.StructurallyValid,
		CMSStatus:           r.CMSStatus.String(),
		State:               r.State.String(),
		Modification:        r.Modification.String(),
		CoversWholeDocument: r.CoversWholeDocument,
		ByteRange:           r.ByteRange,
		Reason:              r.Reason,
		Location:            r.Location,
		SubFilter:           r.SubFilter,
		HasTimestamp:        r.HasTimestamp,
	}
	if r.Valid() {
		out.Status = "VALID"
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	if !r.SigningTime.IsZero() {
		out.SigningTime = r.SigningTime.UTC().Format(time.RFC3339)
	}
	if c := r.SignerCertificate; c != nil {
		out.Certificate = &CertificateInfo{
			Subject:   c.Subject.String(),
			Issuer:    c.Issuer.String(),
			Serial:    c.SerialNumber.String(),
			NotBefore: c.NotBefore.UTC().Format(time.RFC3339),
			NotAfter:  c.NotAfter.UTC().Format(time.RFC3339),
		}
	}
	return out
}

func verifyCommand(e *env, args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	asJSON := fs.Bool("json", false, "Output results in JSON format")
	all := fs.Bool("all", false, "Verify every signature, not only the newest")
	fs.Usage = func() {
		fmt.Fprintf(e.stderr, "Usage: %s verify [options] <input.pdf>\n\n", e.prog)
		fmt.Fprintln(e.stderr, "Verify the digital signature(s) of a PDF file.")
		fmt.Fprintln(e.stderr, "")
		fmt.Fprintln(e.stderr, "Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return ExitUsage
	}
	path := fs.Arg(0)

	var results []*validation.Result
	if *all {
		rs, err := signpdfkit.VerifyAll(e.ctx, path)
		if err != nil {
			return e.failf("%v", err)
		}
		results = rs
	} else {
		r, err := signpdfkit.Verify(path)
		if r == nil {
			return e.failf("%v", err)
		}
		results = []*validation.Result{r}
	}

	out := make([]*VerifyResult, len(results))
	for i, r := range results {
		out[i] = toVerifyResult(i, r)
	}
	if *asJSON {
		enc := json.NewEncoder(e.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"signatures": out}); err != nil {
			return e.failf("%v", err)
		}
	} else {
		for _, r := range out {
			fmt.Fprintf(e.stdout, "Signature %d (%s): %s\n", r.SignatureIndex, r.FieldName, r.Status)
			fmt.Fprintf(e.stdout, "  Integrity: %v  CMS: %s  State: %s  Modification: %s\n",
				r.IntegrityValid, r.CMSStatus, r.State, r.Modification)
			if r.Certificate != nil {
				fmt.Fprintf(e.stdout, "  Signer: %s\n", r.Certificate.Subject)
			}
			if r.SigningTime != "" {
				fmt.Fprintf(e.stdout, "  Signing time: %s\n", r.SigningTime)
			}
			if r.Error != "" {
				fmt.Fprintf(e.stdout, "  Error: %s\n", r.Error)
			}
		}
	}

	for _, r := range out {
		if r.Status != "VALID" {
			return ExitFailure
		}
	}
	return ExitOK
}

func revocationCommand(e *env, args []string) int {
	fs := flag.NewFlagSet("revocation", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.Usage = func() {
		fmt.Fprintf(e.stderr, "Usage: %s revocation <signature.p7s>\n\n", e.prog)
		fmt.Fprintln(e.stderr, "Print the OCSP and CRL sources of a DER CMS signature as JSON.")
		fmt.Fprintln(e.stderr, "OCSP requests are base64 encoded DER.")
	}
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return ExitUsage
	}
	cmsDER, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return e.failf("%v", err)
	}
	params, err := signpdfkit.GetRevocationParameters(cmsDER)
	if err != nil {
		return e.failf("%v", err)
	}

	type item struct {
		Type    string `json:"type"`
		URL     string `json:"url"`
		Request []byte `json:"request,omitempty"`
	}
	items := make([]item, 0)
	for _, it := range params.Items() {
		items = append(items, item{Type: string(it.Type), URL: it.URL, Request: it.Request})
	}
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(items); err != nil {
		return e.failf("%v", err)
	}
	return ExitOK
}
