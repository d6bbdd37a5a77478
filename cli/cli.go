// Package cli provides the command-line interface for signing and
// verifying PDF files.
package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// env carries the output streams of one invocation.
type env struct {
	ctx    context.Context
	prog   string
	stdout io.Writer
	stderr io.Writer
}

func (e *env) failf(format string, args ...any) int {
	fmt.Fprintf(e.stderr, "Error: "+format+"\n", args...)
	return ExitFailure
}

// Run executes the CLI with the given arguments and returns the process
// exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	e := &env{ctx: ctx, prog: "signpdfkit", stdout: stdout, stderr: stderr}
	if len(args) > 0 {
		e.prog = args[0]
	}
	if len(args) < 2 {
		usage(e)
		return ExitUsage
	}

	switch args[1] {
	case "sign":
		return signCommand(e, args[2:])
	case "digest":
		return digestCommand(e, args[2:])
	case "embed":
		return embedCommand(e, args[2:])
	case "revocation":
		return revocationCommand(e, args[2:])
	case "verify":
		return verifyCommand(e, args[2:])
	case "version":
		fmt.Fprintf(stdout, "signpdfkit version %s\n", Version)
		fmt.Fprintf(stdout, "Build time: %s\n", BuildTime)
		return ExitOK
	case "help", "-h", "--help":
		usage(e)
		return ExitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[1])
		usage(e)
		return ExitUsage
	}
}

func usage(e *env) {
	w := e.stderr
	fmt.Fprintf(w, "signpdfkit - PDF signing and verification tool\n\n")
	fmt.Fprintf(w, "Usage: %s <command> [options] <args>\n\n", e.prog)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  sign        Sign a PDF file with a local key or token")
	fmt.Fprintln(w, "  digest      Prepare a PDF and print the digest to sign externally")
	fmt.Fprintln(w, "  embed       Embed an external CMS signature into a prepared PDF")
	fmt.Fprintln(w, "  revocation  List the OCSP and CRL sources of a CMS signature")
	fmt.Fprintln(w, "  verify      Verify the digital signature(s) of a PDF file")
	fmt.Fprintln(w, "  version     Show version information")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Use '%s <command> -h' for command-specific help\n", e.prog)
}

// fileList collects a repeatable file flag.
type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

// parseRect parses "x,y,width,height".
func parseRect(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("rect %q: expected x,y,width,height", s)
	}
	out := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("rect %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}
