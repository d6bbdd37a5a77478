// Command signpdfkit signs and verifies PDF files.
//
// Usage:
//
//	signpdfkit <command> [options] <args>
//
// Commands:
//
//	sign        Sign a PDF file with a local key or token
//	digest      Prepare a PDF and print the digest to sign externally
//	embed       Embed an external CMS signature into a prepared PDF
//	revocation  List the OCSP and CRL sources of a CMS signature
//	verify      Verify the digital signature(s) of a PDF file
//	version     Show version information
//
// Examples:
//
//	# Sign a PDF with a PEM key pair
//	signpdfkit sign -cert cert.pem -key key.pem -reason Approved input.pdf output.pdf
//
//	# Sign with the settings of a configuration file
//	signpdfkit sign -config signpdfkit.yaml input.pdf output.pdf
//
//	# Sign with a remote service
//	signpdfkit digest -kind pades input.pdf handle.bin
//	signpdfkit embed handle.bin signature.p7s output.pdf
//
//	# Verify with JSON output
//	signpdfkit verify -json document.pdf
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/signpdfkit/SignPDFKit-Lib/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/signpdfkit
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
