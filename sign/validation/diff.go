package validation

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/reader"
	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
)

// ModificationLevel classifies the updates appended after a signature.
type ModificationLevel int

const (
	// ModificationNone - the signature covers the whole file
	ModificationNone ModificationLevel = iota
	// ModificationLTVUpdates - only DSS additions follow the signature
	ModificationLTVUpdates
	// ModificationSignatures - later signature revisions follow
	ModificationSignatures
	// ModificationOther - any other change
	ModificationOther
)

// String returns string representation of ModificationLevel.
func (m ModificationLevel) String() string {
	switch m {
	case ModificationNone:
		return "None"
	case ModificationLTVUpdates:
		return "LTV Updates"
	case ModificationSignatures:
		return "Signatures"
	case ModificationOther:
		return "Other"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

var eofMarker = []byte("%%EOF")

// openRevision parses the revision ending at end and checks that the full
// document's xref chain links back to it.
func openRevision(doc []byte, full *reader.PdfFileReader, end int64) (*reader.PdfFileReader, error) {
	if end == int64(len(doc)) {
		return full, nil
	}
	if !bytes.HasSuffix(bytes.TrimRight(doc[:end], "\r\n\t \x00"), eofMarker) {
		return nil, sigerr.New(sigerr.StructuralDamage, opVerify, "signed range does not end at a revision boundary").AtOffset(end)
	}
	old, err := reader.Parse(doc[:end])
	if err != nil {
		return nil, sigerr.New(sigerr.StructuralDamage, opVerify, "signed revision is not a complete document: %v", err).AtOffset(end)
	}
	for _, sec := range full.Sections {
		if sec.Offset == old.StartXRef {
			return old, nil
		}
	}
	return nil, sigerr.New(sigerr.StructuralDamage, opVerify, "xref chain does not link back to the signed revision").AtOffset(old.StartXRef)
}

// ltvOnlyUpdates checks that every object changed after boundary is a DSS
// addition: new objects, the DSS dictionary itself, and a catalog that
// differs from the old one in /DSS only.
func ltvOnlyUpdates(old, full *reader.PdfFileReader, boundary int64) (ModificationLevel, error) {
	data := full.Data()
	if boundary >= int64(len(data)) {
		return ModificationNone, nil
	}

	nums := changedObjects(full, boundary)
	if len(nums) == 0 {
		if len(bytes.TrimSpace(data[boundary:])) > 0 {
			return ModificationOther, sigerr.New(sigerr.StructuralDamage, opVerify, "trailing data after signed revision").AtOffset(boundary)
		}
		return ModificationNone, nil
	}

	_, oldDSS := old.DSS()
	for _, num := range nums {
		obj, err := full.GetObject(num)
		if err != nil {
			return ModificationOther, sigerr.Wrap(sigerr.StructuralDamage, opVerify, err).AtOffset(objectOffset(full, num))
		}
		if s, ok := obj.(*generic.StreamObject); ok && s.Dictionary.GetName("Type") == "XRef" {
			continue
		}
		if e, ok := old.XRef[num]; !ok || !e.InUse {
			continue
		}
		switch {
		case num == old.RootRef.ObjectNumber:
			if !sameExcept(old.Root, full.Root, "DSS") {
				return ModificationOther, modifiedError(full, num, "catalog")
			}
		case oldDSS != nil && num == oldDSS.ObjectNumber:
		default:
			return ModificationOther, modifiedError(full, num, "object")
		}
	}
	if full.RootRef != old.RootRef && !sameExcept(old.Root, full.Root, "DSS") {
		return ModificationOther, modifiedError(full, full.RootRef.ObjectNumber, "catalog")
	}
	return ModificationLTVUpdates, nil
}

// changedObjects lists the objects defined by the sections of r at or after
// boundary.
func changedObjects(r *reader.PdfFileReader, boundary int64) []int {
	changed := make(map[int]bool)
	for _, sec := range r.Sections {
		if sec.Offset < boundary {
			continue
		}
		for _, num := range sec.Objects {
			changed[num] = true
		}
	}
	nums := make([]int, 0, len(changed))
	for num := range changed {
		nums = append(nums, num)
	}
	sort.Ints(nums)
	return nums
}

// signatureUpdates checks the revisions between the signed revision old and
// next, the revision of the following signature. Besides new objects, only
// the edits made to add a signature field are allowed: /Annots appended on a
// page, AcroForm /Fields appended and /SigFlags set, and DSS material.
func signatureUpdates(old, next *reader.PdfFileReader, boundary int64) error {
	_, oldDSS := old.DSS()
	arrays := make(map[int]bool)
	for _, p := range old.Pages {
		if ref, ok := p.Dict.Get("Annots").(generic.Reference); ok {
			arrays[ref.ObjectNumber] = true
		}
	}
	formNum := -1
	if ref, ok := old.Root.Get("AcroForm").(generic.Reference); ok {
		formNum = ref.ObjectNumber
	}
	if form := old.AcroForm(); form != nil {
		if ref, ok := form.Get("Fields").(generic.Reference); ok {
			arrays[ref.ObjectNumber] = true
		}
	}

	for _, num := range changedObjects(next, boundary) {
		obj, err := next.GetObject(num)
		if err != nil {
			return sigerr.Wrap(sigerr.StructuralDamage, opVerify, err).AtOffset(objectOffset(next, num))
		}
		if s, ok := obj.(*generic.StreamObject); ok && s.Dictionary.GetName("Type") == "XRef" {
			continue
		}
		if e, ok := old.XRef[num]; !ok || !e.InUse {
			continue
		}
		prev, err := old.GetObject(num)
		if err != nil {
			return sigerr.Wrap(sigerr.StructuralDamage, opVerify, err).AtOffset(objectOffset(old, num))
		}

		var allowed bool
		switch {
		case num == old.RootRef.ObjectNumber:
			allowed = catalogUpdate(old.Root, next.Root)
		case oldDSS != nil && num == oldDSS.ObjectNumber:
			allowed = true
		case num == formNum:
			allowed = formUpdate(asDict(prev), asDict(obj))
		case arrays[num]:
			allowed = appended(prev, obj)
		default:
			allowed = pageUpdate(asDict(prev), asDict(obj))
		}
		if !allowed {
			return modifiedError(next, num, "object")
		}
	}
	if next.RootRef != old.RootRef && !catalogUpdate(old.Root, next.Root) {
		return modifiedError(next, next.RootRef.ObjectNumber, "catalog")
	}
	return nil
}

func asDict(obj generic.PdfObject) *generic.DictionaryObject {
	d, _ := obj.(*generic.DictionaryObject)
	return d
}

// catalogUpdate allows a new /DSS and a new or extended inline /AcroForm.
func catalogUpdate(a, b *generic.DictionaryObject) bool {
	if !sameExcept(a, b, "AcroForm", "DSS") {
		return false
	}
	switch old := a.Get("AcroForm").(type) {
	case nil:
		return true
	case generic.Reference:
		ref, ok := b.Get("AcroForm").(generic.Reference)
		return ok && ref == old
	case *generic.DictionaryObject:
		return formUpdate(old, asDict(b.Get("AcroForm")))
	}
	return false
}

func formUpdate(a, b *generic.DictionaryObject) bool {
	if a == nil || b == nil || !sameExcept(a, b, "Fields", "SigFlags") {
		return false
	}
	return extendedArray(a.Get("Fields"), b.Get("Fields"))
}

// pageUpdate allows a page to gain annotations.
func pageUpdate(a, b *generic.DictionaryObject) bool {
	if a == nil || b == nil || a.GetName("Type") != "Page" || !sameExcept(a, b, "Annots") {
		return false
	}
	return extendedArray(a.Get("Annots"), b.Get("Annots"))
}

// extendedArray reports whether b keeps the indirect array a or appends to
// the inline array a.
func extendedArray(a, b generic.PdfObject) bool {
	switch old := a.(type) {
	case nil:
		return true
	case generic.Reference:
		ref, ok := b.(generic.Reference)
		return ok && ref == old
	case generic.ArrayObject:
		return appended(old, b)
	}
	return false
}

// appended reports whether the array b starts with every element of a.
func appended(a, b generic.PdfObject) bool {
	old, ok1 := a.(generic.ArrayObject)
	cur, ok2 := b.(generic.ArrayObject)
	if !ok1 || !ok2 || len(cur) < len(old) {
		return false
	}
	for i := range old {
		if !bytes.Equal(generic.Serialize(old[i]), generic.Serialize(cur[i])) {
			return false
		}
	}
	return true
}

func modifiedError(r *reader.PdfFileReader, num int, what string) error {
	return sigerr.New(sigerr.StructuralDamage, opVerify, "%s %d modified after signing", what, num).AtOffset(objectOffset(r, num))
}

func objectOffset(r *reader.PdfFileReader, num int) int64 {
	if e, ok := r.XRef[num]; ok && !e.Compressed {
		return e.Offset
	}
	return -1
}

// sameExcept compares two dictionaries ignoring keys.
func sameExcept(a, b *generic.DictionaryObject, keys ...string) bool {
	if a == nil || b == nil {
		return a == b
	}
	ac := a.Clone().(*generic.DictionaryObject)
	bc := b.Clone().(*generic.DictionaryObject)
	for _, k := range keys {
		ac.Delete(k)
		bc.Delete(k)
	}
	return bytes.Equal(generic.Serialize(ac), generic.Serialize(bc))
}
