package fields

import (
	"fmt"
	"io"
	"time"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
)

// ByteRangeWidth is the digit count of each placeholder /ByteRange entry.
const ByteRangeWidth = 10

// ByteRangePlaceholder serializes as a fixed-width /ByteRange array that
// is patched in place once the final offsets are known.
type ByteRangePlaceholder struct{}

// ByteRangePlaceholderBytes is the serialized placeholder.
var ByteRangePlaceholderBytes = []byte(fmt.Sprintf("[%0*d %0*d %0*d %0*d]",
	ByteRangeWidth, 0, ByteRangeWidth, 0, ByteRangeWidth, 0, ByteRangeWidth, 0))

func (ByteRangePlaceholder) Write(w io.Writer) error {
	_, err := w.Write(ByteRangePlaceholderBytes)
	return err
}

func (p ByteRangePlaceholder) Clone() generic.PdfObject { return p }

// FormatByteRange renders a final /ByteRange with the placeholder width.
// Values wider than the placeholder return false.
func FormatByteRange(br [4]int64) ([]byte, bool) {
	out := []byte(fmt.Sprintf("[%0*d %0*d %0*d %0*d]",
		ByteRangeWidth, br[0], ByteRangeWidth, br[1], ByteRangeWidth, br[2], ByteRangeWidth, br[3]))
	return out, len(out) == len(ByteRangePlaceholderBytes)
}

// SignatureDictionary builds the /Sig value with /ByteRange and /Contents
// placeholders. The placeholder keys come first so they precede any
// user-supplied text in the serialized object.
func (f *SignatureField) SignatureDictionary(signingTime time.Time, contentsSize int) *generic.DictionaryObject {
	d := generic.NewDictionary()
	d.Set("Type", generic.NameObject("Sig"))
	d.Set("Filter", generic.NameObject("Adobe.PPKLite"))
	d.Set("SubFilter", generic.NameObject(f.Kind.Name()))
	d.Set("ByteRange", ByteRangePlaceholder{})
	d.Set("Contents", generic.NewHexString(make([]byte, contentsSize)))
	d.Set("M", generic.NewLiteralString(generic.FormatDate(signingTime)))
	if f.SignerName != "" {
		d.Set("Name", f.TextString(f.SignerName))
	}
	if f.Reason != "" {
		d.Set("Reason", f.TextString(f.Reason))
	}
	if f.Location != "" {
		d.Set("Location", f.TextString(f.Location))
	}
	if f.ContactInfo != "" {
		d.Set("ContactInfo", f.TextString(f.ContactInfo))
	}
	if f.Type == Certification {
		d.Set("Reference", generic.NewArray(docMDPReference(2)))
	}
	return d
}

// docMDPReference is a DocMDP signature reference with access permission p.
func docMDPReference(p int) *generic.DictionaryObject {
	params := generic.NewDictionary()
	params.Set("Type", generic.NameObject("TransformParams"))
	params.Set("P", generic.IntegerObject(p))
	params.Set("V", generic.NameObject("1.2"))

	ref := generic.NewDictionary()
	ref.Set("Type", generic.NameObject("SigRef"))
	ref.Set("TransformMethod", generic.NameObject("DocMDP"))
	ref.Set("TransformParams", params)
	return ref
}
