// Package dss provides Document Security Store (DSS) support for PAdES.
//
// The DSS is a catalog entry holding certificates, OCSP responses and CRLs
// that a validator needs long after the signing time. Every item is stored
// once as an indirect stream; the per-signature VRI dictionaries reference
// the same streams as the global arrays.
package dss

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/signpdfkit/SignPDFKit-Lib/certvalidator/revinfo"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/reader"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/writer"
	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
)

const opEmbed = "dss.embed"

// Common errors
var (
	ErrInvalidDSS  = errors.New("invalid DSS structure")
	ErrInvalidItem = errors.New("DSS item is not a stream")
)

// Evidence is validation material gathered for one signature.
type Evidence struct {
	OCSPs [][]byte
	// CRLs may be DER or PEM encoded.
	CRLs  [][]byte
	Certs []*x509.Certificate
}

// Empty reports whether ev carries nothing.
func (ev Evidence) Empty() bool {
	return len(ev.OCSPs) == 0 && len(ev.CRLs) == 0 && len(ev.Certs) == 0
}

// VRIEntry is the Validation Related Information of one signature.
type VRIEntry struct {
	Certs [][]byte
	OCSPs [][]byte
	CRLs  [][]byte
}

// DSS represents a Document Security Store.
//
// Item lists are kept canonical: free of duplicates and sorted by the
// SHA-256 digest of their bytes. Adding the same material in any order or
// grouping therefore yields the same store.
type DSS struct {
	Certs [][]byte
	OCSPs [][]byte
	CRLs  [][]byte
	VRI   map[string]*VRIEntry

	// refs maps item digests to the streams already present in the file.
	refs map[[32]byte]generic.Reference
}

// New creates an empty store.
func New() *DSS {
	return &DSS{
		VRI:  make(map[string]*VRIEntry),
		refs: make(map[[32]byte]generic.Reference),
	}
}

func (d *DSS) init() {
	if d.VRI == nil {
		d.VRI = make(map[string]*VRIEntry)
	}
	if d.refs == nil {
		d.refs = make(map[[32]byte]generic.Reference)
	}
}

// VRIKey returns the VRI dictionary key of a signature: the uppercase hex
// SHA-1 of its /Contents bytes, padding included.
func VRIKey(contents []byte) string {
	sum := sha1.Sum(contents)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Add merges ev into the global arrays and, when vriKey is not empty, into
// the VRI entry for that key. It reports whether the store changed.
func (d *DSS) Add(vriKey string, ev Evidence) (bool, error) {
	d.init()
	certs := make([][]byte, 0, len(ev.Certs))
	for _, c := range ev.Certs {
		if c != nil {
			certs = append(certs, c.Raw)
		}
	}
	for i, o := range ev.OCSPs {
		if _, err := revinfo.ParseOCSPResponse(o, nil); err != nil {
			return false, sigerr.Wrap(sigerr.MalformedStructure, opEmbed, err).ForField(fmt.Sprintf("OCSPs[%d]", i))
		}
	}
	crls := make([][]byte, 0, len(ev.CRLs))
	for i, c := range ev.CRLs {
		der, err := revinfo.NormalizeCRL(c)
		if err != nil {
			return false, sigerr.Wrap(sigerr.MalformedStructure, opEmbed, err).ForField(fmt.Sprintf("CRLs[%d]", i))
		}
		crls = append(crls, der)
	}

	changed := false
	merge := func(dst *[][]byte, items [][]byte) {
		n := len(*dst)
		*dst = canonical(append(*dst, items...))
		changed = changed || len(*dst) != n
	}
	merge(&d.Certs, certs)
	merge(&d.OCSPs, ev.OCSPs)
	merge(&d.CRLs, crls)

	if vriKey != "" {
		e, ok := d.VRI[vriKey]
		if !ok {
			e = &VRIEntry{}
			d.VRI[vriKey] = e
			changed = true
		}
		merge(&e.Certs, certs)
		merge(&e.OCSPs, ev.OCSPs)
		merge(&e.CRLs, crls)
	}
	return changed, nil
}

// Merge adds every item of other to d.
func (d *DSS) Merge(other *DSS) {
	if other == nil {
		return
	}
	d.init()
	d.Certs = canonical(append(d.Certs, other.Certs...))
	d.OCSPs = canonical(append(d.OCSPs, other.OCSPs...))
	d.CRLs = canonical(append(d.CRLs, other.CRLs...))
	for key, oe := range other.VRI {
		e, ok := d.VRI[key]
		if !ok {
			e = &VRIEntry{}
			d.VRI[key] = e
		}
		e.Certs = canonical(append(e.Certs, oe.Certs...))
		e.OCSPs = canonical(append(e.OCSPs, oe.OCSPs...))
		e.CRLs = canonical(append(e.CRLs, oe.CRLs...))
	}
	for sum, ref := range other.refs {
		if _, ok := d.refs[sum]; !ok {
			d.refs[sum] = ref
		}
	}
}

// IsEmpty reports whether the store holds no material.
func (d *DSS) IsEmpty() bool {
	return len(d.Certs) == 0 && len(d.OCSPs) == 0 && len(d.CRLs) == 0 && len(d.VRI) == 0
}

// Certificates parses the stored certificates.
func (d *DSS) Certificates() ([]*x509.Certificate, error) {
	out := make([]*x509.Certificate, 0, len(d.Certs))
	for _, der := range d.Certs {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Summary returns a short description of the store.
func (d *DSS) Summary() string {
	return fmt.Sprintf("DSS: %d certs, %d OCSPs, %d CRLs, %d VRI entries",
		len(d.Certs), len(d.OCSPs), len(d.CRLs), len(d.VRI))
}

// Read loads the DSS of the document, or an empty store when it has none.
func Read(r *reader.PdfFileReader) (*DSS, error) {
	d := New()
	dict, _ := r.DSS()
	if dict == nil {
		return d, nil
	}
	var err error
	if d.Certs, err = d.readItems(r, dict.Get("Certs")); err != nil {
		return nil, err
	}
	if d.OCSPs, err = d.readItems(r, dict.Get("OCSPs")); err != nil {
		return nil, err
	}
	if d.CRLs, err = d.readItems(r, dict.Get("CRLs")); err != nil {
		return nil, err
	}

	vri := r.ResolveDict(dict.Get("VRI"))
	if vri == nil {
		return d, nil
	}
	for _, key := range vri.Keys() {
		ed := r.ResolveDict(vri.Get(key))
		if ed == nil {
			return nil, fmt.Errorf("%w: VRI entry %s is not a dictionary", ErrInvalidDSS, key)
		}
		e := &VRIEntry{}
		if e.Certs, err = d.readItems(r, ed.Get("Cert")); err != nil {
			return nil, err
		}
		if e.OCSPs, err = d.readItems(r, ed.Get("OCSP")); err != nil {
			return nil, err
		}
		if e.CRLs, err = d.readItems(r, ed.Get("CRL")); err != nil {
			return nil, err
		}
		d.VRI[strings.ToUpper(key)] = e
	}
	return d, nil
}

func (d *DSS) readItems(r *reader.PdfFileReader, obj generic.PdfObject) ([][]byte, error) {
	var out [][]byte
	for _, item := range r.ResolveArray(obj) {
		data, err := r.DecodedStream(item)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidItem, err)
		}
		if ref, ok := item.(generic.Reference); ok {
			d.refs[sha256.Sum256(data)] = ref
		}
		out = append(out, data)
	}
	return canonical(out), nil
}

// toPdfObject stages a stream for every item not yet in the file and returns
// the DSS dictionary. Streams are added in canonical order so the object
// numbering is reproducible.
func (d *DSS) toPdfObject(w *writer.IncrementalWriter) *generic.DictionaryObject {
	d.init()
	refArray := func(items [][]byte) generic.ArrayObject {
		arr := make(generic.ArrayObject, 0, len(items))
		for _, data := range items {
			sum := sha256.Sum256(data)
			ref, ok := d.refs[sum]
			if !ok {
				ref = w.AddObject(generic.NewStream(nil, data))
				d.refs[sum] = ref
			}
			arr = append(arr, ref)
		}
		return arr
	}

	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("DSS"))
	if len(d.Certs) > 0 {
		dict.Set("Certs", refArray(d.Certs))
	}
	if len(d.OCSPs) > 0 {
		dict.Set("OCSPs", refArray(d.OCSPs))
	}
	if len(d.CRLs) > 0 {
		dict.Set("CRLs", refArray(d.CRLs))
	}
	if len(d.VRI) == 0 {
		return dict
	}

	keys := make([]string, 0, len(d.VRI))
	for k := range d.VRI {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vri := generic.NewDictionary()
	for _, k := range keys {
		e := d.VRI[k]
		ed := generic.NewDictionary()
		if len(e.Certs) > 0 {
			ed.Set("Cert", refArray(e.Certs))
		}
		if len(e.OCSPs) > 0 {
			ed.Set("OCSP", refArray(e.OCSPs))
		}
		if len(e.CRLs) > 0 {
			ed.Set("CRL", refArray(e.CRLs))
		}
		vri.Set(k, ed)
	}
	dict.Set("VRI", vri)
	return dict
}

// Embed adds ev to the DSS of doc in a new incremental update, merging with
// any store already present. The VRI entry is keyed by signatureContents;
// when it is nil the newest signature of the document is used.
//
// Signed byte ranges are never touched. When ev adds nothing new the
// document is returned unchanged.
func Embed(doc, signatureContents []byte, ev Evidence) ([]byte, error) {
	r, err := reader.Parse(doc)
	if err != nil {
		return nil, err
	}
	if signatureContents == nil {
		sigs, err := r.EmbeddedSignatures()
		if err != nil {
			return nil, sigerr.Wrap(sigerr.MalformedStructure, opEmbed, err)
		}
		if len(sigs) == 0 {
			return nil, sigerr.New(sigerr.NoSignature, opEmbed, "document has no signature to attach validation data to")
		}
		signatureContents = sigs[len(sigs)-1].Contents
	}

	store, err := Read(r)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.MalformedStructure, opEmbed, err).ForField("DSS")
	}
	changed, err := store.Add(VRIKey(signatureContents), ev)
	if err != nil {
		return nil, err
	}
	if !changed {
		return bytes.Clone(doc), nil
	}

	w := writer.NewIncrementalWriter(r)
	dict := store.toPdfObject(w)
	if _, ref := r.DSS(); ref != nil {
		w.UpdateObject(*ref, dict)
	} else {
		root, err := w.EditRoot()
		if err != nil {
			return nil, sigerr.Wrap(sigerr.MalformedStructure, opEmbed, err)
		}
		root.Set("DSS", w.AddObject(dict))
	}
	out, err := w.Write()
	if err != nil {
		return nil, sigerr.Wrap(sigerr.MalformedStructure, opEmbed, err)
	}
	return out.Data, nil
}

type digested struct {
	sum  [32]byte
	data []byte
}

// canonical removes duplicates from items and sorts them by digest.
func canonical(items [][]byte) [][]byte {
	if len(items) == 0 {
		return nil
	}
	ds := make([]digested, 0, len(items))
	for _, it := range items {
		ds = append(ds, digested{sum: sha256.Sum256(it), data: it})
	}
	sort.Slice(ds, func(i, j int) bool { return bytes.Compare(ds[i].sum[:], ds[j].sum[:]) < 0 })
	out := make([][]byte, 0, len(ds))
	for i, d := range ds {
		if i > 0 && d.sum == ds[i-1].sum {
			continue
		}
		out = append(out, d.data)
	}
	return out
}
