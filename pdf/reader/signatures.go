package reader

import (
	"fmt"
	"strings"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
)

// SignatureField is a terminal form field of type /Sig.
type SignatureField struct {
	// Name is the fully qualified field name (parent names joined by dots).
	Name string
	Ref  generic.Reference
	Dict *generic.DictionaryObject
	// Value is the signature dictionary (/V), nil for an empty field.
	Value    *generic.DictionaryObject
	ValueRef *generic.Reference
}

// Signed reports whether the field carries a signature value.
func (f *SignatureField) Signed() bool { return f.Value != nil }

// EmbeddedSignature is a signature value found in the document.
type EmbeddedSignature struct {
	Field     *SignatureField
	Dict      *generic.DictionaryObject
	ByteRange []int64
	Contents  []byte
}

// SubFilter returns the /SubFilter name.
func (s *EmbeddedSignature) SubFilter() string { return s.Dict.GetName("SubFilter") }

// SignedEnd is the offset just past the last byte covered by the signature.
func (s *EmbeddedSignature) SignedEnd() int64 {
	n := len(s.ByteRange)
	if n < 2 {
		return 0
	}
	return s.ByteRange[n-2] + s.ByteRange[n-1]
}

// SignatureFields walks the AcroForm field tree and returns the signature
// fields in document order.
func (r *PdfFileReader) SignatureFields() ([]*SignatureField, error) {
	form := r.AcroForm()
	if form == nil {
		return nil, nil
	}
	var out []*SignatureField
	seen := make(map[int]bool)
	for _, f := range r.ResolveArray(form.Get("Fields")) {
		if err := r.collectFields(f, "", "", seen, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PdfFileReader) collectFields(obj generic.PdfObject, prefix, inheritedFT string, seen map[int]bool, out *[]*SignatureField) error {
	ref, isRef := obj.(generic.Reference)
	if isRef {
		if seen[ref.ObjectNumber] {
			return fmt.Errorf("%w: form field cycle at object %d", ErrInvalidPDF, ref.ObjectNumber)
		}
		seen[ref.ObjectNumber] = true
	}
	dict := r.ResolveDict(obj)
	if dict == nil {
		return nil
	}

	name := prefix
	if t := dict.GetString("T"); t != "" {
		if name != "" {
			name += "."
		}
		name += t
	}
	ft := inheritedFT
	if v := dict.GetName("FT"); v != "" {
		ft = v
	}

	// Kids that carry /T are child fields; kids without are widgets.
	kids := r.ResolveArray(dict.Get("Kids"))
	hasFieldKids := false
	for _, k := range kids {
		if kd := r.ResolveDict(k); kd != nil && kd.Has("T") {
			hasFieldKids = true
			break
		}
	}
	if hasFieldKids {
		for _, k := range kids {
			if err := r.collectFields(k, name, ft, seen, out); err != nil {
				return err
			}
		}
		return nil
	}
	if ft != "Sig" {
		return nil
	}

	f := &SignatureField{Name: name, Dict: dict}
	if isRef {
		f.Ref = ref
	}
	if vref, ok := dict.Get("V").(generic.Reference); ok {
		v := vref
		f.ValueRef = &v
	}
	f.Value = r.ResolveDict(dict.Get("V"))
	*out = append(*out, f)
	return nil
}

// FieldByName returns the signature field with the given fully qualified
// name, or nil.
func (r *PdfFileReader) FieldByName(name string) (*SignatureField, error) {
	fields, err := r.SignatureFields()
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		if strings.EqualFold(f.Name, name) {
			return f, nil
		}
	}
	return nil, nil
}

// EmbeddedSignatures returns every signed signature field ordered by the
// position of its signed range end, oldest first.
func (r *PdfFileReader) EmbeddedSignatures() ([]*EmbeddedSignature, error) {
	fields, err := r.SignatureFields()
	if err != nil {
		return nil, err
	}
	var out []*EmbeddedSignature
	for _, f := range fields {
		if !f.Signed() {
			continue
		}
		sig := &EmbeddedSignature{Field: f, Dict: f.Value}
		for _, v := range r.ResolveArray(f.Value.Get("ByteRange")) {
			n, _ := generic.Number(r.Resolve(v))
			sig.ByteRange = append(sig.ByteRange, int64(n))
		}
		if s, ok := r.Resolve(f.Value.Get("Contents")).(*generic.StringObject); ok {
			sig.Contents = s.Value
		}
		out = append(out, sig)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].SignedEnd() < out[j-1].SignedEnd(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// DSS returns the document security store dictionary and its reference,
// or nil when the document has none.
func (r *PdfFileReader) DSS() (*generic.DictionaryObject, *generic.Reference) {
	obj := r.Root.Get("DSS")
	dss := r.ResolveDict(obj)
	if dss == nil {
		return nil, nil
	}
	if ref, ok := obj.(generic.Reference); ok {
		return dss, &ref
	}
	return dss, nil
}
