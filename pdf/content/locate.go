package content

import (
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/fonts"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/reader"
)

// Matrix is a PDF transformation matrix [a b c d e f].
type Matrix [6]float64

// Identity is the identity matrix.
var Identity = Matrix{1, 0, 0, 1, 0, 0}

// Multiply returns m × n.
func (m Matrix) Multiply(n Matrix) Matrix {
	return Matrix{
		m[0]*n[0] + m[1]*n[2],
		m[0]*n[1] + m[1]*n[3],
		m[2]*n[0] + m[3]*n[2],
		m[2]*n[1] + m[3]*n[3],
		m[4]*n[0] + m[5]*n[2] + n[4],
		m[4]*n[1] + m[5]*n[3] + n[5],
	}
}

// Apply transforms the point (x, y).
func (m Matrix) Apply(x, y float64) (float64, float64) {
	return m[0]*x + m[2]*y + m[4], m[1]*x + m[3]*y + m[5]
}

func translate(tx, ty float64) Matrix { return Matrix{1, 0, 0, 1, tx, ty} }

// WidthFunc returns the advance of a character code in glyph space units
// (1/1000 of text space) for the named font resource.
type WidthFunc func(font string, code byte) float64

// DefaultWidths measures every font as Helvetica.
func DefaultWidths(_ string, code byte) float64 {
	return fonts.Metrics(fonts.Helvetica).CodeWidth(code)
}

// Match is the position of a located character in default user space.
type Match struct {
	X, Y     float64
	FontSize float64
}

type textState struct {
	ctm      Matrix
	charSp   float64
	wordSp   float64
	hScale   float64
	leading  float64
	font     string
	fontSize float64
	rise     float64
}

type locator struct {
	widths WidthFunc
	target byte
	state  textState
	stack  []textState
	tm     Matrix
	tlm    Matrix
	found  *Match
}

// FindChar returns the origin of the first occurrence of ch shown by a
// content stream. Codes are compared as WinAnsi bytes, so ch must be
// representable in a simple font. ok is false when ch does not occur.
func FindChar(data []byte, ch rune, widths WidthFunc) (m Match, ok bool, err error) {
	enc := fonts.EncodeWinAnsi(string(ch))
	if len(enc) != 1 || (enc[0] == '?' && ch != '?') {
		return Match{}, false, nil
	}
	if widths == nil {
		widths = DefaultWidths
	}

	cs, err := Parse(data)
	if err != nil {
		return Match{}, false, err
	}

	l := &locator{
		widths: widths,
		target: enc[0],
		state:  textState{ctm: Identity, hScale: 1},
		tm:     Identity,
		tlm:    Identity,
	}
	for _, op := range cs.Operations {
		l.apply(op)
		if l.found != nil {
			return *l.found, true, nil
		}
	}
	return Match{}, false, nil
}

func floats(operands []generic.PdfObject, n int) ([]float64, bool) {
	if len(operands) < n {
		return nil, false
	}
	out := make([]float64, n)
	for i, o := range operands[len(operands)-n:] {
		v, ok := generic.Number(o)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (l *locator) apply(op Operation) {
	st := &l.state
	switch op.Operator {
	case OpSaveState:
		l.stack = append(l.stack, l.state)
	case OpRestoreState:
		if n := len(l.stack); n > 0 {
			l.state = l.stack[n-1]
			l.stack = l.stack[:n-1]
		}
	case OpSetCTM:
		if v, ok := floats(op.Operands, 6); ok {
			st.ctm = Matrix{v[0], v[1], v[2], v[3], v[4], v[5]}.Multiply(st.ctm)
		}
	case OpBeginText:
		l.tm, l.tlm = Identity, Identity
	case OpSetCharSpacing:
		if v, ok := floats(op.Operands, 1); ok {
			st.charSp = v[0]
		}
	case OpSetWordSpacing:
		if v, ok := floats(op.Operands, 1); ok {
			st.wordSp = v[0]
		}
	case OpSetHScale:
		if v, ok := floats(op.Operands, 1); ok {
			st.hScale = v[0] / 100
		}
	case OpSetLeading:
		if v, ok := floats(op.Operands, 1); ok {
			st.leading = v[0]
		}
	case OpSetTextRise:
		if v, ok := floats(op.Operands, 1); ok {
			st.rise = v[0]
		}
	case OpSetFont:
		if len(op.Operands) >= 2 {
			if name, ok := op.Operands[len(op.Operands)-2].(generic.NameObject); ok {
				st.font = string(name)
			}
			if v, ok := generic.Number(op.Operands[len(op.Operands)-1]); ok {
				st.fontSize = v
			}
		}
	case OpTextMove:
		if v, ok := floats(op.Operands, 2); ok {
			l.moveLine(v[0], v[1])
		}
	case OpTextMoveSet:
		if v, ok := floats(op.Operands, 2); ok {
			st.leading = -v[1]
			l.moveLine(v[0], v[1])
		}
	case OpSetTextMatrix:
		if v, ok := floats(op.Operands, 6); ok {
			l.tm = Matrix{v[0], v[1], v[2], v[3], v[4], v[5]}
			l.tlm = l.tm
		}
	case OpTextNextLine:
		l.moveLine(0, -st.leading)
	case OpShowText:
		if s := lastString(op.Operands); s != nil {
			l.show(s.Value)
		}
	case OpMoveShowText:
		l.moveLine(0, -st.leading)
		if s := lastString(op.Operands); s != nil {
			l.show(s.Value)
		}
	case OpMoveSetShow:
		if v, ok := floats(op.Operands[:max(len(op.Operands)-1, 0)], 2); ok {
			st.wordSp, st.charSp = v[0], v[1]
		}
		l.moveLine(0, -st.leading)
		if s := lastString(op.Operands); s != nil {
			l.show(s.Value)
		}
	case OpShowTextArray:
		if len(op.Operands) == 0 {
			return
		}
		arr, _ := op.Operands[len(op.Operands)-1].(generic.ArrayObject)
		for _, item := range arr {
			if l.found != nil {
				return
			}
			switch v := item.(type) {
			case *generic.StringObject:
				l.show(v.Value)
			default:
				if n, ok := generic.Number(v); ok {
					l.advance(-n / 1000 * st.fontSize * st.hScale)
				}
			}
		}
	}
}

func lastString(operands []generic.PdfObject) *generic.StringObject {
	if len(operands) == 0 {
		return nil
	}
	s, _ := operands[len(operands)-1].(*generic.StringObject)
	return s
}

func (l *locator) moveLine(tx, ty float64) {
	l.tlm = translate(tx, ty).Multiply(l.tlm)
	l.tm = l.tlm
}

func (l *locator) advance(tx float64) {
	l.tm = translate(tx, 0).Multiply(l.tm)
}

func (l *locator) show(codes []byte) {
	st := &l.state
	for _, c := range codes {
		if c == l.target {
			x, y := l.tm.Multiply(st.ctm).Apply(0, st.rise)
			// vertical scale of the rendering matrix gives the size on the page
			_, y1 := l.tm.Multiply(st.ctm).Apply(0, st.rise+st.fontSize)
			size := y1 - y
			if size < 0 {
				size = -size
			}
			l.found = &Match{X: x, Y: y, FontSize: size}
			return
		}
		tx := l.widths(st.font, c)/1000*st.fontSize + st.charSp
		if c == ' ' {
			tx += st.wordSp
		}
		l.advance(tx * st.hScale)
	}
}

// PageWidths builds a WidthFunc from the fonts in a page's resources. Fonts
// without a /Widths array fall back to Helvetica metrics.
func PageWidths(r *reader.PdfFileReader, resources *generic.DictionaryObject) WidthFunc {
	type table struct {
		first  int
		widths []float64
		miss   float64
	}
	tables := map[string]*table{}
	fontDict := r.ResolveDict(resources.Get("Font"))
	for _, name := range fontDict.Keys() {
		fd := r.ResolveDict(fontDict.Get(name))
		arr := r.ResolveArray(fd.Get("Widths"))
		if arr == nil {
			continue
		}
		first, _ := fd.GetInt("FirstChar")
		t := &table{first: int(first), miss: -1}
		for _, w := range arr {
			v, _ := generic.Number(r.Resolve(w))
			t.widths = append(t.widths, v)
		}
		if desc := r.ResolveDict(fd.Get("FontDescriptor")); desc != nil {
			if mw, ok := generic.Number(r.Resolve(desc.Get("MissingWidth"))); ok {
				t.miss = mw
			}
		}
		tables[name] = t
	}

	return func(font string, code byte) float64 {
		t, ok := tables[font]
		if !ok {
			return DefaultWidths(font, code)
		}
		if i := int(code) - t.first; i >= 0 && i < len(t.widths) {
			return t.widths[i]
		}
		if t.miss >= 0 {
			return t.miss
		}
		return DefaultWidths(font, code)
	}
}
