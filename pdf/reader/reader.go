// Package reader parses PDF files: header, cross-reference sections,
// trailers, indirect objects, object streams and the page tree.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/filters"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
	"github.com/signpdfkit/SignPDFKit-Lib/sigerr"
)

// Common errors
var (
	ErrInvalidPDF     = errors.New("invalid PDF file")
	ErrNoXRef         = errors.New("no xref found")
	ErrInvalidXRef    = errors.New("invalid xref")
	ErrObjectNotFound = errors.New("object not found")
	ErrEncrypted      = errors.New("PDF is encrypted")
)

var headerRegex = regexp.MustCompile(`%PDF-(\d+\.\d+)`)

// XRefEntry is a resolved cross-reference entry.
type XRefEntry struct {
	Offset     int64
	Generation int
	InUse      bool
	// Compressed entries live in an object stream.
	Compressed    bool
	StreamObjNum  int
	IndexInStream int
}

// Section is one cross-reference section together with its trailer.
type Section struct {
	Offset   int64
	Trailer  *generic.DictionaryObject
	IsStream bool
	// Objects lists the in-use object numbers this section defines.
	Objects []int

	defined map[int]bool
}

// Page is a leaf of the page tree with inherited attributes resolved.
type Page struct {
	Index     int
	Ref       generic.Reference
	Dict      *generic.DictionaryObject
	MediaBox  *generic.Rectangle
	Resources *generic.DictionaryObject
}

// PdfFileReader gives read access to a parsed document.
type PdfFileReader struct {
	data []byte

	Version   string
	StartXRef int64
	// Trailer is the trailer of the newest section.
	Trailer *generic.DictionaryObject
	// XRef is the merged index, newest section wins.
	XRef map[int]*XRefEntry
	// Sections are ordered newest first.
	Sections []*Section

	RootRef generic.Reference
	Root    *generic.DictionaryObject
	Pages   []*Page

	mu    sync.Mutex
	cache map[int]generic.PdfObject
}

// Parse parses a complete PDF document held in memory.
func Parse(data []byte) (*PdfFileReader, error) {
	r := &PdfFileReader{
		data:  data,
		XRef:  make(map[int]*XRefEntry),
		cache: make(map[int]generic.PdfObject),
	}
	if err := r.parse(); err != nil {
		var se *generic.SyntaxError
		e := sigerr.Wrap(sigerr.MalformedStructure, "parse", err)
		if errors.As(err, &se) {
			e.AtOffset(se.Offset)
		}
		return nil, e
	}
	return r, nil
}

// Data returns the raw document bytes.
func (r *PdfFileReader) Data() []byte { return r.data }

func (r *PdfFileReader) parse() error {
	if err := r.parseHeader(); err != nil {
		return err
	}
	offset, err := r.findStartXRef()
	if err != nil {
		return err
	}
	r.StartXRef = offset
	if err := r.parseXRefChain(offset); err != nil {
		return err
	}
	if r.Trailer.Has("Encrypt") {
		return ErrEncrypted
	}
	return r.loadDocumentStructure()
}

func (r *PdfFileReader) parseHeader() error {
	head := r.data[:min(1024, len(r.data))]
	m := headerRegex.FindSubmatch(head)
	if m == nil {
		return fmt.Errorf("%w: missing %%PDF header", ErrInvalidPDF)
	}
	r.Version = string(m[1])
	return nil
}

func (r *PdfFileReader) findStartXRef() (int64, error) {
	idx := bytes.LastIndex(r.data, []byte("startxref"))
	if idx < 0 {
		return 0, ErrNoXRef
	}
	p := generic.NewParserAt(r.data, idx+len("startxref"))
	tok := p.ReadKeyword()
	off, err := strconv.ParseInt(tok, 10, 64)
	if err != nil || off < 0 || off >= int64(len(r.data)) {
		return 0, &generic.SyntaxError{Offset: int64(idx), Err: fmt.Errorf("%w: bad startxref value %q", ErrInvalidXRef, tok)}
	}
	return off, nil
}

func (r *PdfFileReader) parseXRefChain(offset int64) error {
	visited := make(map[int64]bool)
	for {
		if visited[offset] {
			return &generic.SyntaxError{Offset: offset, Err: fmt.Errorf("%w: /Prev chain loops", ErrInvalidXRef)}
		}
		visited[offset] = true
		if offset < 0 || offset >= int64(len(r.data)) {
			return &generic.SyntaxError{Offset: offset, Err: fmt.Errorf("%w: section offset out of bounds", ErrInvalidXRef)}
		}

		p := generic.NewParserAt(r.data, int(offset))
		p.SkipWhitespace()
		var sec *Section
		var err error
		if bytes.HasPrefix(r.data[p.Pos():], []byte("xref")) {
			sec, err = r.parseXRefTable(p)
		} else {
			sec, err = r.parseXRefStream(p, nil)
		}
		if err != nil {
			return err
		}
		sec.Offset = offset
		r.Sections = append(r.Sections, sec)
		if r.Trailer == nil {
			r.Trailer = sec.Trailer
		}

		// Hybrid files carry an additional stream for compressed objects.
		if stm, ok := sec.Trailer.GetInt("XRefStm"); ok && !sec.IsStream && !visited[stm] {
			if _, err := r.parseXRefStream(generic.NewParserAt(r.data, int(stm)), sec); err != nil {
				return err
			}
		}

		prev, ok := sec.Trailer.GetInt("Prev")
		if !ok {
			return nil
		}
		offset = prev
	}
}

// setEntry records e unless a newer section already defined num. Within one
// section a hybrid stream entry may replace the table's free placeholder.
func (r *PdfFileReader) setEntry(sec *Section, num int, e *XRefEntry) {
	if sec.defined == nil {
		sec.defined = make(map[int]bool)
	}
	if old, exists := r.XRef[num]; exists && !(sec.defined[num] && !old.InUse) {
		return
	}
	sec.defined[num] = true
	r.XRef[num] = e
	if e.InUse {
		sec.Objects = append(sec.Objects, num)
	}
}

func (r *PdfFileReader) parseXRefTable(p *generic.Parser) (*Section, error) {
	p.ReadKeyword() // xref
	sec := &Section{}
	for {
		p.SkipWhitespace()
		if bytes.HasPrefix(r.data[p.Pos():], []byte("trailer")) {
			p.ReadKeyword()
			break
		}
		headerAt := int64(p.Pos())
		start, err1 := strconv.Atoi(p.ReadKeyword())
		count, err2 := strconv.Atoi(p.ReadKeyword())
		if err1 != nil || err2 != nil || start < 0 || count < 0 {
			return nil, &generic.SyntaxError{Offset: headerAt, Err: fmt.Errorf("%w: bad subsection header", ErrInvalidXRef)}
		}
		for i := 0; i < count; i++ {
			entryAt := int64(p.Pos())
			off, errA := strconv.ParseInt(p.ReadKeyword(), 10, 64)
			gen, errB := strconv.Atoi(p.ReadKeyword())
			kind := p.ReadKeyword()
			if errA != nil || errB != nil || (kind != "n" && kind != "f") {
				return nil, &generic.SyntaxError{Offset: entryAt, Err: fmt.Errorf("%w: bad entry for object %d", ErrInvalidXRef, start+i)}
			}
			r.setEntry(sec, start+i, &XRefEntry{Offset: off, Generation: gen, InUse: kind == "n"})
		}
	}

	obj, err := p.ParseObject()
	if err != nil {
		return nil, fmt.Errorf("trailer: %w", err)
	}
	trailer, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, &generic.SyntaxError{Offset: int64(p.Pos()), Err: fmt.Errorf("%w: trailer is not a dictionary", ErrInvalidXRef)}
	}
	sec.Trailer = trailer
	return sec, nil
}

func (r *PdfFileReader) parseXRefStream(p *generic.Parser, sec *Section) (*Section, error) {
	at := int64(p.Pos())
	ind, err := p.ParseIndirectObject()
	if err != nil {
		return nil, fmt.Errorf("%w: neither xref table nor xref stream: %w", ErrInvalidXRef, err)
	}
	stream, ok := ind.Object.(*generic.StreamObject)
	if !ok || stream.Dictionary.GetName("Type") != "XRef" {
		return nil, &generic.SyntaxError{Offset: at, Err: fmt.Errorf("%w: expected xref stream", ErrInvalidXRef)}
	}
	dict := stream.Dictionary
	data, err := filters.DecodeStream(stream)
	if err != nil {
		return nil, &generic.SyntaxError{Offset: at, Err: fmt.Errorf("%w: %w", ErrInvalidXRef, err)}
	}

	warr := dict.GetArray("W")
	if len(warr) != 3 {
		return nil, &generic.SyntaxError{Offset: at, Err: fmt.Errorf("%w: /W must have 3 entries", ErrInvalidXRef)}
	}
	var w [3]int
	for i, v := range warr {
		n, _ := v.(generic.IntegerObject)
		if n < 0 || n > 8 {
			return nil, &generic.SyntaxError{Offset: at, Err: fmt.Errorf("%w: bad /W width", ErrInvalidXRef)}
		}
		w[i] = int(n)
	}
	entrySize := w[0] + w[1] + w[2]
	if entrySize == 0 {
		return nil, &generic.SyntaxError{Offset: at, Err: fmt.Errorf("%w: zero entry size", ErrInvalidXRef)}
	}

	var index []int
	if arr := dict.GetArray("Index"); arr != nil {
		for _, v := range arr {
			n, _ := v.(generic.IntegerObject)
			index = append(index, int(n))
		}
	} else if size, ok := dict.GetInt("Size"); ok {
		index = []int{0, int(size)}
	}

	if sec == nil {
		sec = &Section{Trailer: dict, IsStream: true}
	}
	pos := 0
	for i := 0; i+1 < len(index); i += 2 {
		for j := 0; j < index[i+1]; j++ {
			if pos+entrySize > len(data) {
				return nil, &generic.SyntaxError{Offset: at, Err: fmt.Errorf("%w: stream shorter than /Index", ErrInvalidXRef)}
			}
			row := data[pos : pos+entrySize]
			pos += entrySize
			typ := int64(1)
			if w[0] > 0 {
				typ = readField(row[:w[0]])
			}
			f2 := readField(row[w[0] : w[0]+w[1]])
			f3 := readField(row[w[0]+w[1]:])
			var e *XRefEntry
			switch typ {
			case 0:
				e = &XRefEntry{Generation: int(f3)}
			case 1:
				e = &XRefEntry{Offset: f2, Generation: int(f3), InUse: true}
			case 2:
				e = &XRefEntry{InUse: true, Compressed: true, StreamObjNum: int(f2), IndexInStream: int(f3)}
			default:
				continue
			}
			r.setEntry(sec, index[i]+j, e)
		}
	}
	return sec, nil
}

func readField(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

func (r *PdfFileReader) loadDocumentStructure() error {
	ref, ok := r.Trailer.Get("Root").(generic.Reference)
	if !ok {
		return fmt.Errorf("%w: trailer has no /Root", ErrInvalidPDF)
	}
	root, err := r.GetDict(ref)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	r.RootRef = ref
	r.Root = root
	return r.loadPages()
}

type inherited struct {
	mediaBox  *generic.Rectangle
	resources *generic.DictionaryObject
}

func (r *PdfFileReader) loadPages() error {
	ref, ok := r.Root.Get("Pages").(generic.Reference)
	if !ok {
		return fmt.Errorf("%w: catalog has no /Pages reference", ErrInvalidPDF)
	}
	return r.walkPages(ref, inherited{}, make(map[int]bool))
}

func (r *PdfFileReader) walkPages(ref generic.Reference, inh inherited, seen map[int]bool) error {
	if seen[ref.ObjectNumber] {
		return fmt.Errorf("%w: page tree cycle at object %d", ErrInvalidPDF, ref.ObjectNumber)
	}
	seen[ref.ObjectNumber] = true

	node, err := r.GetDict(ref)
	if err != nil {
		return fmt.Errorf("page tree: %w", err)
	}
	if mb, ok := r.Resolve(node.Get("MediaBox")).(generic.ArrayObject); ok {
		if rect, err := generic.NewRectangle(mb); err == nil {
			inh.mediaBox = rect
		}
	}
	if res, ok := r.Resolve(node.Get("Resources")).(*generic.DictionaryObject); ok {
		inh.resources = res
	}

	kids, isNode := r.Resolve(node.Get("Kids")).(generic.ArrayObject)
	if node.GetName("Type") == "Page" || !isNode {
		mb := inh.mediaBox
		if mb == nil {
			mb = &generic.Rectangle{URX: 612, URY: 792}
		}
		r.Pages = append(r.Pages, &Page{
			Index: len(r.Pages), Ref: ref, Dict: node, MediaBox: mb, Resources: inh.resources,
		})
		return nil
	}
	for _, kid := range kids {
		kref, ok := kid.(generic.Reference)
		if !ok {
			return fmt.Errorf("%w: page tree kid is not a reference", ErrInvalidPDF)
		}
		if err := r.walkPages(kref, inh, seen); err != nil {
			return err
		}
	}
	return nil
}

// GetObject returns the value of indirect object num.
func (r *PdfFileReader) GetObject(num int) (generic.PdfObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getObject(num, 0)
}

func (r *PdfFileReader) getObject(num, depth int) (generic.PdfObject, error) {
	if obj, ok := r.cache[num]; ok {
		return obj, nil
	}
	if depth > 32 {
		return nil, fmt.Errorf("%w: object %d: resolution too deep", ErrObjectNotFound, num)
	}
	e, ok := r.XRef[num]
	if !ok || !e.InUse {
		return nil, fmt.Errorf("%w: object %d", ErrObjectNotFound, num)
	}

	var obj generic.PdfObject
	var err error
	if e.Compressed {
		obj, err = r.objectFromStream(num, e, depth)
	} else {
		obj, err = r.objectAtOffset(num, e, depth)
	}
	if err != nil {
		return nil, err
	}
	r.cache[num] = obj
	return obj, nil
}

func (r *PdfFileReader) objectAtOffset(num int, e *XRefEntry, depth int) (generic.PdfObject, error) {
	if e.Offset < 0 || e.Offset >= int64(len(r.data)) {
		return nil, &generic.SyntaxError{Offset: e.Offset, Err: fmt.Errorf("%w: object %d offset out of bounds", ErrInvalidXRef, num)}
	}
	p := generic.NewParserAt(r.data, int(e.Offset))
	p.SetLengthResolver(func(ref generic.Reference) (int64, bool) {
		v, err := r.getObject(ref.ObjectNumber, depth+1)
		if err != nil {
			return 0, false
		}
		n, ok := v.(generic.IntegerObject)
		return int64(n), ok
	})
	ind, err := p.ParseIndirectObject()
	if err != nil {
		return nil, err
	}
	if ind.ObjectNumber != num {
		return nil, &generic.SyntaxError{Offset: e.Offset, Err: fmt.Errorf("%w: xref points object %d at object %d", ErrInvalidXRef, num, ind.ObjectNumber)}
	}
	if ind.GenerationNumber != e.Generation {
		return nil, &generic.SyntaxError{Offset: e.Offset, Err: fmt.Errorf("%w: object %d has generation %d, xref records %d", ErrInvalidXRef, num, ind.GenerationNumber, e.Generation)}
	}
	return ind.Object, nil
}

func (r *PdfFileReader) objectFromStream(num int, e *XRefEntry, depth int) (generic.PdfObject, error) {
	container, err := r.getObject(e.StreamObjNum, depth+1)
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", e.StreamObjNum, err)
	}
	stream, ok := container.(*generic.StreamObject)
	if !ok {
		return nil, fmt.Errorf("%w: object %d is not an object stream", ErrInvalidPDF, e.StreamObjNum)
	}
	data, err := filters.DecodeStream(stream)
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", e.StreamObjNum, err)
	}
	n, _ := stream.Dictionary.GetInt("N")
	first, _ := stream.Dictionary.GetInt("First")
	if first < 0 || int(first) > len(data) {
		return nil, fmt.Errorf("%w: object stream %d has bad /First", ErrInvalidPDF, e.StreamObjNum)
	}

	hp := generic.NewParser(data[:first])
	for i := 0; i < int(n); i++ {
		objNum, err1 := strconv.Atoi(hp.ReadKeyword())
		off, err2 := strconv.Atoi(hp.ReadKeyword())
		if err1 != nil || err2 != nil {
			break
		}
		if objNum != num {
			continue
		}
		p := generic.NewParserAt(data, int(first)+off)
		return p.ParseObject()
	}
	return nil, fmt.Errorf("%w: object %d not in object stream %d", ErrObjectNotFound, num, e.StreamObjNum)
}

// Resolve follows a reference. Direct objects are returned unchanged; a
// dangling reference resolves to nil.
func (r *PdfFileReader) Resolve(obj generic.PdfObject) generic.PdfObject {
	ref, ok := obj.(generic.Reference)
	if !ok {
		return obj
	}
	v, err := r.GetObject(ref.ObjectNumber)
	if err != nil {
		return nil
	}
	return v
}

// GetDict resolves ref and requires a dictionary.
func (r *PdfFileReader) GetDict(ref generic.Reference) (*generic.DictionaryObject, error) {
	obj, err := r.GetObject(ref.ObjectNumber)
	if err != nil {
		return nil, err
	}
	switch v := obj.(type) {
	case *generic.DictionaryObject:
		return v, nil
	case *generic.StreamObject:
		return v.Dictionary, nil
	}
	return nil, fmt.Errorf("%w: object %d is not a dictionary", ErrInvalidPDF, ref.ObjectNumber)
}

// ResolveDict resolves obj to a dictionary, or nil.
func (r *PdfFileReader) ResolveDict(obj generic.PdfObject) *generic.DictionaryObject {
	d, _ := r.Resolve(obj).(*generic.DictionaryObject)
	return d
}

// ResolveArray resolves obj to an array, or nil.
func (r *PdfFileReader) ResolveArray(obj generic.PdfObject) generic.ArrayObject {
	a, _ := r.Resolve(obj).(generic.ArrayObject)
	return a
}

// DecodedStream returns the decoded data of stream object ref.
func (r *PdfFileReader) DecodedStream(obj generic.PdfObject) ([]byte, error) {
	s, ok := r.Resolve(obj).(*generic.StreamObject)
	if !ok {
		return nil, fmt.Errorf("%w: not a stream", ErrInvalidPDF)
	}
	return filters.DecodeStream(s)
}

// MaxObjectNumber returns the highest object number known to the xref or
// declared by the trailer /Size.
func (r *PdfFileReader) MaxObjectNumber() int {
	maxNum := 0
	if size, ok := r.Trailer.GetInt("Size"); ok {
		maxNum = int(size) - 1
	}
	for num := range r.XRef {
		maxNum = max(maxNum, num)
	}
	return maxNum
}

// Generation returns the generation number recorded for num, 0 if unknown.
func (r *PdfFileReader) Generation(num int) int {
	if e, ok := r.XRef[num]; ok && !e.Compressed {
		return e.Generation
	}
	return 0
}

// ValueOffset returns the file offset of the value stored under key in the
// dictionary object ref. The object must not live in an object stream.
func (r *PdfFileReader) ValueOffset(ref generic.Reference, key string) (int64, error) {
	e, ok := r.XRef[ref.ObjectNumber]
	if !ok || !e.InUse {
		return 0, fmt.Errorf("%w: object %d", ErrObjectNotFound, ref.ObjectNumber)
	}
	if e.Compressed {
		return 0, fmt.Errorf("%w: object %d is stored in an object stream", ErrInvalidPDF, ref.ObjectNumber)
	}
	if e.Offset < 0 || e.Offset >= int64(len(r.data)) {
		return 0, &generic.SyntaxError{Offset: e.Offset, Err: fmt.Errorf("%w: object %d offset out of bounds", ErrInvalidXRef, ref.ObjectNumber)}
	}
	p := generic.NewParserAt(r.data, int(e.Offset))
	if num, gen, kw := p.ReadKeyword(), p.ReadKeyword(), p.ReadKeyword(); kw != "obj" ||
		num != strconv.Itoa(ref.ObjectNumber) || gen != strconv.Itoa(e.Generation) {
		return 0, &generic.SyntaxError{Offset: e.Offset, Err: fmt.Errorf("%w: object %d header", ErrInvalidXRef, ref.ObjectNumber)}
	}
	at, err := p.DictionaryValueOffset(key)
	if err != nil {
		return 0, err
	}
	if at < 0 {
		return 0, fmt.Errorf("%w: object %d has no /%s", ErrInvalidPDF, ref.ObjectNumber, key)
	}
	return int64(at), nil
}

// Page returns the page with the given zero-based index.
func (r *PdfFileReader) Page(index int) (*Page, error) {
	if index < 0 || index >= len(r.Pages) {
		return nil, fmt.Errorf("%w: page %d out of range (document has %d)", ErrInvalidPDF, index+1, len(r.Pages))
	}
	return r.Pages[index], nil
}

// PageContents returns the concatenated decoded content streams of a page.
func (r *PdfFileReader) PageContents(page *Page) ([]byte, error) {
	var parts generic.ArrayObject
	switch c := page.Dict.Get("Contents").(type) {
	case generic.Reference:
		if arr, ok := r.Resolve(c).(generic.ArrayObject); ok {
			parts = arr
		} else {
			parts = generic.ArrayObject{c}
		}
	case generic.ArrayObject:
		parts = c
	}
	var buf bytes.Buffer
	for _, part := range parts {
		data, err := r.DecodedStream(part)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// AcroForm returns the interactive form dictionary, or nil.
func (r *PdfFileReader) AcroForm() *generic.DictionaryObject {
	return r.ResolveDict(r.Root.Get("AcroForm"))
}
