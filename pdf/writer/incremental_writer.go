// Package writer appends incremental updates to existing PDF documents.
//
// Original bytes are never rewritten: new and changed objects are appended,
// followed by a cross-reference section and a trailer linking back to the
// previous section through /Prev.
package writer

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/filters"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/reader"
)

// ErrNothingToWrite is returned by Write when no object was staged.
var ErrNothingToWrite = errors.New("incremental update has no objects")

// documentIDSpace namespaces the name-based UUIDs used for /ID.
var documentIDSpace = uuid.MustParse("6f1d1b4a-3c55-5a4e-9d0e-7a1c5b0f2e11")

// trailerSkipKeys are trailer entries that belong to one section only.
var trailerSkipKeys = map[string]bool{
	"Prev": true, "XRefStm": true, "Type": true, "W": true, "Index": true,
	"Filter": true, "DecodeParms": true, "Length": true, "Size": true, "ID": true,
}

// IncrementalWriter stages objects for one incremental update.
type IncrementalWriter struct {
	reader     *reader.PdfFileReader
	objects    map[int]*generic.IndirectObject
	nextObjNum int
	streamXRef bool
}

// Output is a serialized update.
type Output struct {
	// Data is the complete document: original bytes plus the update.
	Data []byte
	// Offsets maps each written object number to its absolute offset.
	Offsets map[int]int64
	// XRefOffset is the offset of the new cross-reference section.
	XRefOffset int64
}

// NewIncrementalWriter prepares an update on top of r. The update uses an
// xref stream when the newest existing section is one.
func NewIncrementalWriter(r *reader.PdfFileReader) *IncrementalWriter {
	return &IncrementalWriter{
		reader:     r,
		objects:    make(map[int]*generic.IndirectObject),
		nextObjNum: r.MaxObjectNumber() + 1,
		streamXRef: len(r.Sections) > 0 && r.Sections[0].IsStream,
	}
}

// Reader returns the document being updated.
func (w *IncrementalWriter) Reader() *reader.PdfFileReader { return w.reader }

// AddObject stages a new object and returns its reference.
func (w *IncrementalWriter) AddObject(obj generic.PdfObject) generic.Reference {
	num := w.nextObjNum
	w.nextObjNum++
	w.objects[num] = generic.NewIndirectObject(num, 0, obj)
	return generic.NewReference(num, 0)
}

// UpdateObject stages a new version of an existing object.
func (w *IncrementalWriter) UpdateObject(ref generic.Reference, obj generic.PdfObject) {
	w.objects[ref.ObjectNumber] = generic.NewIndirectObject(ref.ObjectNumber, w.reader.Generation(ref.ObjectNumber), obj)
}

// Lookup returns the staged version of ref if any, else the stored one.
func (w *IncrementalWriter) Lookup(ref generic.Reference) (generic.PdfObject, error) {
	if ind, ok := w.objects[ref.ObjectNumber]; ok {
		return ind.Object, nil
	}
	return w.reader.GetObject(ref.ObjectNumber)
}

// Resolve follows obj if it is a reference, consulting staged objects first.
func (w *IncrementalWriter) Resolve(obj generic.PdfObject) generic.PdfObject {
	ref, ok := obj.(generic.Reference)
	if !ok {
		return obj
	}
	v, err := w.Lookup(ref)
	if err != nil {
		return nil
	}
	return v
}

// EditDict returns a copy of the dictionary behind ref staged for update.
// Repeated calls return the same staged copy.
func (w *IncrementalWriter) EditDict(ref generic.Reference) (*generic.DictionaryObject, error) {
	if ind, ok := w.objects[ref.ObjectNumber]; ok {
		if d, ok := ind.Object.(*generic.DictionaryObject); ok {
			return d, nil
		}
	}
	d, err := w.reader.GetDict(ref)
	if err != nil {
		return nil, err
	}
	edit := d.Clone().(*generic.DictionaryObject)
	w.UpdateObject(ref, edit)
	return edit, nil
}

// AppendToArray stages the array behind ref with items appended.
func (w *IncrementalWriter) AppendToArray(ref generic.Reference, items ...generic.PdfObject) error {
	obj, err := w.Lookup(ref)
	if err != nil {
		return err
	}
	arr, ok := obj.(generic.ArrayObject)
	if !ok {
		return fmt.Errorf("%w: object %d is not an array", reader.ErrInvalidPDF, ref.ObjectNumber)
	}
	edit := append(arr.Clone().(generic.ArrayObject), items...)
	w.UpdateObject(ref, edit)
	return nil
}

// EditRoot stages the document catalog for update.
func (w *IncrementalWriter) EditRoot() (*generic.DictionaryObject, error) {
	return w.EditDict(w.reader.RootRef)
}

// Staged reports whether any object is staged.
func (w *IncrementalWriter) Staged() int { return len(w.objects) }

// Write serializes the original document followed by the update.
func (w *IncrementalWriter) Write() (*Output, error) {
	if len(w.objects) == 0 {
		return nil, ErrNothingToWrite
	}
	orig := w.reader.Data()

	var buf bytes.Buffer
	buf.Grow(len(orig) + 64<<10)
	buf.Write(orig)
	if n := len(orig); n > 0 && orig[n-1] != '\n' && orig[n-1] != '\r' {
		buf.WriteByte('\n')
	}

	nums := make([]int, 0, len(w.objects))
	for num := range w.objects {
		nums = append(nums, num)
	}
	sort.Ints(nums)

	out := &Output{Offsets: make(map[int]int64, len(nums)+1)}
	updateStart := buf.Len()
	for _, num := range nums {
		out.Offsets[num] = int64(buf.Len())
		if err := w.objects[num].Write(&buf); err != nil {
			return nil, fmt.Errorf("object %d: %w", num, err)
		}
	}

	trailer := w.buildTrailer(orig, buf.Bytes()[updateStart:])
	out.XRefOffset = int64(buf.Len())
	var err error
	if w.streamXRef {
		err = w.writeXRefStream(&buf, nums, out, trailer)
	} else {
		err = w.writeXRefTable(&buf, nums, out, trailer)
	}
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", out.XRefOffset)
	out.Data = buf.Bytes()
	return out, nil
}

func (w *IncrementalWriter) buildTrailer(orig, update []byte) *generic.DictionaryObject {
	prev := w.reader.Trailer
	t := generic.NewDictionary()
	for _, key := range prev.Keys() {
		if !trailerSkipKeys[key] {
			t.Set(key, prev.Get(key))
		}
	}
	t.Set("Root", w.reader.RootRef)
	t.Set("Prev", generic.IntegerObject(w.reader.StartXRef))
	t.Set("ID", documentID(prev, orig, update))
	return t
}

// documentID keeps the permanent first identifier and derives the second
// from the content, so identical updates produce identical bytes.
func documentID(prev *generic.DictionaryObject, orig, update []byte) generic.ArrayObject {
	origSum := sha256.Sum256(orig)
	var first []byte
	if ids := prev.GetArray("ID"); len(ids) == 2 {
		if s, ok := ids[0].(*generic.StringObject); ok && len(s.Value) > 0 {
			first = s.Value
		}
	}
	if first == nil {
		id := uuid.NewSHA1(documentIDSpace, origSum[:])
		first = id[:]
	}
	h := sha256.New()
	h.Write(origSum[:])
	h.Write(update)
	second := uuid.NewSHA1(documentIDSpace, h.Sum(nil))
	return generic.ArrayObject{generic.NewHexString(first), generic.NewHexString(second[:])}
}

// subsections groups sorted object numbers into contiguous runs.
func subsections(nums []int) [][2]int {
	var runs [][2]int
	for i := 0; i < len(nums); {
		j := i
		for j+1 < len(nums) && nums[j+1] == nums[j]+1 {
			j++
		}
		runs = append(runs, [2]int{nums[i], j - i + 1})
		i = j + 1
	}
	return runs
}

func (w *IncrementalWriter) size(extra int) int {
	return max(w.nextObjNum, w.reader.MaxObjectNumber()+1) + extra
}

func (w *IncrementalWriter) writeXRefTable(buf *bytes.Buffer, nums []int, out *Output, trailer *generic.DictionaryObject) error {
	buf.WriteString("xref\n")
	idx := 0
	for _, run := range subsections(nums) {
		fmt.Fprintf(buf, "%d %d\n", run[0], run[1])
		for k := 0; k < run[1]; k++ {
			ind := w.objects[nums[idx]]
			fmt.Fprintf(buf, "%010d %05d n \n", out.Offsets[ind.ObjectNumber], ind.GenerationNumber)
			idx++
		}
	}
	trailer.Set("Size", generic.IntegerObject(w.size(0)))
	buf.WriteString("trailer\n")
	if err := trailer.Write(buf); err != nil {
		return err
	}
	buf.WriteString("\n")
	return nil
}

func (w *IncrementalWriter) writeXRefStream(buf *bytes.Buffer, nums []int, out *Output, trailer *generic.DictionaryObject) error {
	xrefNum := w.size(0)
	out.Offsets[xrefNum] = out.XRefOffset
	all := append(append([]int(nil), nums...), xrefNum)

	width := bytesNeeded(out.XRefOffset)
	var rows bytes.Buffer
	for _, num := range all {
		gen := 0
		if ind, ok := w.objects[num]; ok {
			gen = ind.GenerationNumber
		}
		rows.WriteByte(1)
		writeField(&rows, out.Offsets[num], width)
		writeField(&rows, int64(gen), 2)
	}
	data, err := filters.Deflate(rows.Bytes())
	if err != nil {
		return fmt.Errorf("xref stream: %w", err)
	}

	var index generic.ArrayObject
	for _, run := range subsections(all) {
		index = append(index, generic.IntegerObject(run[0]), generic.IntegerObject(run[1]))
	}
	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("XRef"))
	for _, key := range trailer.Keys() {
		dict.Set(key, trailer.Get(key))
	}
	dict.Set("Size", generic.IntegerObject(w.size(1)))
	dict.Set("Index", index)
	dict.Set("W", generic.ArrayObject{generic.IntegerObject(1), generic.IntegerObject(width), generic.IntegerObject(2)})
	dict.Set("Filter", generic.NameObject("FlateDecode"))

	if err := generic.NewIndirectObject(xrefNum, 0, generic.NewStream(dict, data)).Write(buf); err != nil {
		return err
	}
	return nil
}

func bytesNeeded(v int64) int {
	n := 1
	for v >= 256 {
		v >>= 8
		n++
	}
	return n
}

func writeField(buf *bytes.Buffer, v int64, width int) {
	for i := width - 1; i >= 0; i-- {
		buf.WriteByte(byte(v >> (8 * i)))
	}
}
