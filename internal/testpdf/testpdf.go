// Package testpdf builds small, valid PDF documents and certificate chains
// for tests.
package testpdf

import (
	"bytes"
	"fmt"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/filters"
)

// Options controls the generated document.
type Options struct {
	Pages int
	// Text is shown on every page at (72, 700).
	Text string
	// XRefStream writes a cross-reference stream and puts the catalog and
	// page tree root into an object stream.
	XRefStream bool
	MediaBox   [4]int
}

// Default is a single Letter page with a marker character in the text.
func Default() Options {
	return Options{Pages: 1, Text: "Signed by: # here", MediaBox: [4]int{0, 0, 612, 792}}
}

// Build renders the document.
func Build(o Options) []byte {
	if o.Pages <= 0 {
		o.Pages = 1
	}
	if o.MediaBox == [4]int{} {
		o.MediaBox = [4]int{0, 0, 612, 792}
	}

	// Object layout: 1 catalog, 2 pages, 3 font, then page/content pairs.
	objs := map[int]string{}
	objs[1] = "<< /Type /Catalog /Pages 2 0 R >>"
	objs[3] = "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>"
	var kids bytes.Buffer
	for i := 0; i < o.Pages; i++ {
		page, content := 4+2*i, 5+2*i
		fmt.Fprintf(&kids, "%d 0 R ", page)
		objs[page] = fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [%d %d %d %d] /Contents %d 0 R /Resources << /Font << /F1 3 0 R >> >> >>",
			o.MediaBox[0], o.MediaBox[1], o.MediaBox[2], o.MediaBox[3], content)
		stream := fmt.Sprintf("BT /F1 12 Tf 72 700 Td (%s) Tj ET", o.Text)
		objs[content] = fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream)
	}
	objs[2] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", bytes.TrimSpace(kids.Bytes()), o.Pages)
	last := 3 + 2*o.Pages

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")
	offsets := map[int]int{}

	if !o.XRefStream {
		for n := 1; n <= last; n++ {
			offsets[n] = buf.Len()
			fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", n, objs[n])
		}
		xref := buf.Len()
		fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", last+1)
		for n := 1; n <= last; n++ {
			fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[n])
		}
		fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", last+1, xref)
		return buf.Bytes()
	}

	// Catalog (1) and pages root (2) go into object stream objStm.
	objStm, xrefNum := last+1, last+2
	for n := 3; n <= last; n++ {
		offsets[n] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", n, objs[n])
	}
	body := objs[1] + "\n" + objs[2] + "\n"
	header := fmt.Sprintf("1 0 2 %d ", len(objs[1])+1)
	offsets[objStm] = buf.Len()
	fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /ObjStm /N 2 /First %d /Length %d >>\nstream\n%s%s\nendstream\nendobj\n",
		objStm, len(header), len(header)+len(body), header, body)

	var rows bytes.Buffer
	row := func(typ byte, f2 int, f3 int) {
		rows.WriteByte(typ)
		rows.Write([]byte{byte(f2 >> 24), byte(f2 >> 16), byte(f2 >> 8), byte(f2)})
		rows.Write([]byte{byte(f3 >> 8), byte(f3)})
	}
	xrefOff := buf.Len()
	row(0, 0, 65535)
	row(2, objStm, 0)
	row(2, objStm, 1)
	for n := 3; n <= last; n++ {
		row(1, offsets[n], 0)
	}
	row(1, offsets[objStm], 0)
	row(1, xrefOff, 0)
	data, err := filters.Deflate(rows.Bytes())
	if err != nil {
		panic(err)
	}
	fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /XRef /Size %d /W [1 4 2] /Root 1 0 R /Filter /FlateDecode /Length %d >>\nstream\n",
		xrefNum, xrefNum+1, len(data))
	buf.Write(data)
	fmt.Fprintf(&buf, "\nendstream\nendobj\nstartxref\n%d\n%%%%EOF\n", xrefOff)
	return buf.Bytes()
}
