package fields

import (
	"errors"
	"fmt"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/content"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/images"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/qr"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/reader"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/writer"
	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
	"github.com/signpdfkit/SignPDFKit-Lib/stamp"
)

// Widget annotation flags: Print | Locked.
const widgetFlags = 4 | 128

// SigFlags: SignaturesExist | AppendOnly.
const sigFlags = 1 | 2

// Placement is the resolved position of a widget.
type Placement struct {
	Page *reader.Page
	// Rect is the widget rectangle; zero for invisible signatures.
	Rect *generic.Rectangle
}

// Attached references the objects staged for a new signature.
type Attached struct {
	SignatureRef generic.Reference
	FieldRef     generic.Reference
	Placement    *Placement
}

// Place resolves the page and widget rectangle of f in r. Anchor modes
// locate f.Anchor in the page text and put the lower-left corner of the
// widget at the glyph origin.
func (f *SignatureField) Place(r *reader.PdfFileReader) (*Placement, error) {
	page, err := r.Page(f.Page - 1)
	if err != nil {
		return nil, f.geometryError("page %d out of range (document has %d)", f.Page, len(r.Pages))
	}
	pl := &Placement{Page: page, Rect: &generic.Rectangle{}}
	if !f.Visible() {
		return pl, nil
	}

	rect := f.Rect
	if f.Visibility.AtChar() {
		data, err := r.PageContents(page)
		if err != nil {
			return nil, sigerr.Wrap(sigerr.MalformedStructure, "page contents", err).ForField(f.FieldID)
		}
		m, ok, err := content.FindChar(data, f.Anchor, content.PageWidths(r, page.Resources))
		if err != nil {
			return nil, sigerr.Wrap(sigerr.MalformedStructure, "page contents", err).ForField(f.FieldID)
		}
		if !ok {
			return nil, f.geometryError("anchor character %q not found on page %d", f.Anchor, f.Page)
		}
		rect.X, rect.Y = m.X, m.Y
	}

	pl.Rect = rect.Rectangle()
	if !page.MediaBox.Contains(pl.Rect) {
		return nil, f.geometryError("rectangle [%s %s %s %s] outside media box of page %d",
			generic.FormatReal(pl.Rect.LLX), generic.FormatReal(pl.Rect.LLY),
			generic.FormatReal(pl.Rect.URX), generic.FormatReal(pl.Rect.URY), f.Page)
	}
	return pl, nil
}

// Appearance builds the visual signature for a visible field.
func (f *SignatureField) Appearance(width, height float64) (*stamp.VisualSignature, error) {
	cfg := stamp.DefaultVisualSignatureConfig()
	cfg.Lines = f.Lines
	cfg.Encoding = f.Encoding
	switch {
	case f.Visibility.UsesImage():
		img, err := images.FromBytes(f.Image)
		if err != nil {
			return nil, sigerr.Wrap(sigerr.InvalidGeometry, "signature image", err).ForField(f.FieldID)
		}
		cfg.Image = img
	case f.Visibility.UsesQR():
		code, err := qr.NewQRCode(f.URL, qr.ECLevelM)
		if err != nil {
			return nil, sigerr.Wrap(sigerr.InvalidGeometry, "signature qr code", err).ForField(f.FieldID)
		}
		cfg.QR = code
	}
	vs, err := stamp.NewVisualSignature(width, height, cfg)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.InvalidGeometry, "signature appearance", err).ForField(f.FieldID)
	}
	return vs, nil
}

// Attach stages the signature dictionary, the merged field/widget, the
// page annotation and the AcroForm entries on w.
func (f *SignatureField) Attach(w *writer.IncrementalWriter, sigDict *generic.DictionaryObject) (*Attached, error) {
	r := w.Reader()
	existing, err := r.SignatureFields()
	if err != nil {
		return nil, sigerr.Wrap(sigerr.MalformedStructure, "read form fields", err)
	}
	for _, ef := range existing {
		if ef.Name == f.FieldID {
			return nil, sigerr.New(sigerr.FieldAlreadyExists, "attach field", "signature field already exists").ForField(f.FieldID)
		}
	}
	if f.Type == Certification {
		for _, ef := range existing {
			if ef.Signed() {
				return nil, sigerr.New(sigerr.UnsupportedSignatureKind, "attach field",
					"certification must be the first signature in the document").ForField(f.FieldID)
			}
		}
	}

	pl, err := f.Place(r)
	if err != nil {
		return nil, err
	}

	var ap generic.Reference
	if f.Visible() {
		vs, err := f.Appearance(pl.Rect.Width(), pl.Rect.Height())
		if err != nil {
			return nil, err
		}
		ap = vs.Embed(w.AddObject)
	} else {
		ap = w.AddObject(stamp.Blank())
	}

	sigRef := w.AddObject(sigDict)

	apDict := generic.NewDictionary()
	apDict.Set("N", ap)
	widget := generic.NewDictionary()
	widget.Set("Type", generic.NameObject("Annot"))
	widget.Set("Subtype", generic.NameObject("Widget"))
	widget.Set("FT", generic.NameObject("Sig"))
	widget.Set("T", f.TextString(f.FieldID))
	widget.Set("V", sigRef)
	widget.Set("F", generic.IntegerObject(widgetFlags))
	widget.Set("P", pl.Page.Ref)
	widget.Set("Rect", pl.Rect.ToArray())
	widget.Set("AP", apDict)
	fieldRef := w.AddObject(widget)

	if err := addAnnotation(w, pl.Page.Ref, fieldRef); err != nil {
		return nil, sigerr.Wrap(sigerr.MalformedStructure, "page annotations", err).ForField(f.FieldID)
	}
	if err := addFormField(w, fieldRef); err != nil {
		return nil, sigerr.Wrap(sigerr.MalformedStructure, "acroform", err).ForField(f.FieldID)
	}
	if f.Type == Certification {
		root, err := w.EditRoot()
		if err != nil {
			return nil, sigerr.Wrap(sigerr.MalformedStructure, "catalog", err)
		}
		perms := generic.NewDictionary()
		if old, ok := w.Resolve(root.Get("Perms")).(*generic.DictionaryObject); ok {
			perms = old.Clone().(*generic.DictionaryObject)
		}
		perms.Set("DocMDP", sigRef)
		root.Set("Perms", perms)
	}

	return &Attached{SignatureRef: sigRef, FieldRef: fieldRef, Placement: pl}, nil
}

func addAnnotation(w *writer.IncrementalWriter, pageRef, annot generic.Reference) error {
	page, err := w.EditDict(pageRef)
	if err != nil {
		return err
	}
	switch annots := page.Get("Annots").(type) {
	case generic.Reference:
		return w.AppendToArray(annots, annot)
	case generic.ArrayObject:
		page.Set("Annots", append(annots, annot))
	case nil:
		page.Set("Annots", generic.NewArray(annot))
	default:
		return fmt.Errorf("%w: /Annots is %T", reader.ErrInvalidPDF, annots)
	}
	return nil
}

func addFormField(w *writer.IncrementalWriter, field generic.Reference) error {
	root, err := w.EditRoot()
	if err != nil {
		return err
	}

	var form *generic.DictionaryObject
	switch v := root.Get("AcroForm").(type) {
	case generic.Reference:
		if form, err = w.EditDict(v); err != nil {
			return err
		}
	case *generic.DictionaryObject:
		form = v
	case nil:
		form = generic.NewDictionary()
		root.Set("AcroForm", w.AddObject(form))
	default:
		return errors.New("catalog /AcroForm is not a dictionary")
	}

	switch fieldsObj := form.Get("Fields").(type) {
	case generic.Reference:
		if err := w.AppendToArray(fieldsObj, field); err != nil {
			return err
		}
	case generic.ArrayObject:
		form.Set("Fields", append(fieldsObj, field))
	default:
		form.Set("Fields", generic.NewArray(field))
	}

	flags, _ := form.GetInt("SigFlags")
	form.Set("SigFlags", generic.IntegerObject(flags|sigFlags))
	return nil
}
