package generic

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Common errors
var (
	ErrUnexpectedEOF     = errors.New("unexpected end of data")
	ErrInvalidObject     = errors.New("invalid PDF object")
	ErrInvalidStream     = errors.New("invalid PDF stream")
	ErrInvalidDictionary = errors.New("invalid PDF dictionary")
	ErrInvalidString     = errors.New("invalid PDF string")
	ErrInvalidNumber     = errors.New("invalid PDF number")
)

// SyntaxError records where in the input parsing failed.
type SyntaxError struct {
	Offset int64
	Err    error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%v at offset %d", e.Err, e.Offset)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// LengthResolver resolves an indirect /Length value of a stream.
type LengthResolver func(ref Reference) (int64, bool)

// Parser parses PDF objects from a byte slice.
type Parser struct {
	data           []byte
	pos            int
	resolveLength  LengthResolver
	maxNestedDepth int
	depth          int
}

// NewParser creates a parser positioned at the start of data.
func NewParser(data []byte) *Parser {
	return &Parser{data: data, maxNestedDepth: 256}
}

// NewParserAt creates a parser positioned at offset.
func NewParserAt(data []byte, offset int) *Parser {
	p := NewParser(data)
	p.pos = offset
	return p
}

// SetLengthResolver installs the resolver used for indirect stream lengths.
func (p *Parser) SetLengthResolver(fn LengthResolver) {
	p.resolveLength = fn
}

// Pos returns the current offset.
func (p *Parser) Pos() int { return p.pos }

// SetPos moves the parser to offset.
func (p *Parser) SetPos(offset int) { p.pos = offset }

func (p *Parser) fail(err error) error {
	return &SyntaxError{Offset: int64(p.pos), Err: err}
}

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == 0 || b == '\f'
}

func isDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// SkipWhitespace skips whitespace and comments.
func (p *Parser) SkipWhitespace() {
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if isWhitespace(c) {
			p.pos++
			continue
		}
		if c == '%' {
			for p.pos < len(p.data) && p.data[p.pos] != '\n' && p.data[p.pos] != '\r' {
				p.pos++
			}
			continue
		}
		return
	}
}

// ReadKeyword reads a run of regular characters.
func (p *Parser) ReadKeyword() string {
	p.SkipWhitespace()
	start := p.pos
	for p.pos < len(p.data) && !isWhitespace(p.data[p.pos]) && !isDelimiter(p.data[p.pos]) {
		p.pos++
	}
	return string(p.data[start:p.pos])
}

// ParseObject parses the next direct object or indirect reference.
func (p *Parser) ParseObject() (PdfObject, error) {
	p.SkipWhitespace()
	if p.pos >= len(p.data) {
		return nil, p.fail(ErrUnexpectedEOF)
	}

	switch c := p.data[p.pos]; {
	case c == '/':
		return p.parseName()
	case c == '(':
		return p.parseLiteralString()
	case c == '<':
		if p.pos+1 < len(p.data) && p.data[p.pos+1] == '<' {
			return p.parseDictionary()
		}
		return p.parseHexString()
	case c == '[':
		return p.parseArray()
	case c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9'):
		return p.parseNumberOrReference()
	}

	start := p.pos
	switch kw := p.ReadKeyword(); kw {
	case "true":
		return BooleanObject(true), nil
	case "false":
		return BooleanObject(false), nil
	case "null":
		return NullObject{}, nil
	default:
		p.pos = start
		return nil, p.fail(fmt.Errorf("%w: unexpected token %q", ErrInvalidObject, kw))
	}
}

func (p *Parser) enter() error {
	p.depth++
	if p.depth > p.maxNestedDepth {
		return p.fail(fmt.Errorf("%w: nesting too deep", ErrInvalidObject))
	}
	return nil
}

func (p *Parser) parseName() (NameObject, error) {
	p.pos++
	var buf bytes.Buffer
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if isWhitespace(c) || isDelimiter(c) {
			break
		}
		if c == '#' && p.pos+2 < len(p.data) {
			if v, err := strconv.ParseUint(string(p.data[p.pos+1:p.pos+3]), 16, 8); err == nil {
				buf.WriteByte(byte(v))
				p.pos += 3
				continue
			}
		}
		buf.WriteByte(c)
		p.pos++
	}
	return NameObject(buf.String()), nil
}

func (p *Parser) parseLiteralString() (*StringObject, error) {
	p.pos++
	depth := 1
	var buf bytes.Buffer
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		p.pos++
		switch c {
		case '(':
			depth++
			buf.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				return &StringObject{Value: buf.Bytes()}, nil
			}
			buf.WriteByte(c)
		case '\\':
			if p.pos >= len(p.data) {
				return nil, p.fail(ErrInvalidString)
			}
			e := p.data[p.pos]
			p.pos++
			switch e {
			case 'n':
				buf.WriteByte('\n')
			case 'r':
				buf.WriteByte('\r')
			case 't':
				buf.WriteByte('\t')
			case 'b':
				buf.WriteByte('\b')
			case 'f':
				buf.WriteByte('\f')
			case '\r':
				if p.pos < len(p.data) && p.data[p.pos] == '\n' {
					p.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for k := 0; k < 2 && p.pos < len(p.data) && p.data[p.pos] >= '0' && p.data[p.pos] <= '7'; k++ {
						v = v*8 + int(p.data[p.pos]-'0')
						p.pos++
					}
					buf.WriteByte(byte(v))
				} else {
					buf.WriteByte(e)
				}
			}
		default:
			buf.WriteByte(c)
		}
	}
	return nil, p.fail(fmt.Errorf("%w: unterminated literal", ErrInvalidString))
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func (p *Parser) parseHexString() (*StringObject, error) {
	p.pos++
	var out []byte
	var hi byte
	half := false
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		p.pos++
		if c == '>' {
			if half {
				out = append(out, hi<<4)
			}
			return &StringObject{Value: out, IsHex: true}, nil
		}
		if isWhitespace(c) {
			continue
		}
		v, ok := unhex(c)
		if !ok {
			return nil, p.fail(fmt.Errorf("%w: bad hex digit %q", ErrInvalidString, c))
		}
		if half {
			out = append(out, hi<<4|v)
		} else {
			hi = v
		}
		half = !half
	}
	return nil, p.fail(fmt.Errorf("%w: unterminated hex string", ErrInvalidString))
}

func (p *Parser) parseDictionary() (*DictionaryObject, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer func() { p.depth-- }()

	p.pos += 2
	dict := NewDictionary()
	for {
		p.SkipWhitespace()
		if p.pos+1 < len(p.data) && p.data[p.pos] == '>' && p.data[p.pos+1] == '>' {
			p.pos += 2
			return dict, nil
		}
		if p.pos >= len(p.data) {
			return nil, p.fail(fmt.Errorf("%w: unterminated dictionary", ErrInvalidDictionary))
		}
		if p.data[p.pos] != '/' {
			return nil, p.fail(fmt.Errorf("%w: expected name key", ErrInvalidDictionary))
		}
		key, _ := p.parseName()
		val, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		if _, isNull := val.(NullObject); isNull {
			continue
		}
		dict.Set(string(key), val)
	}
}

// DictionaryValueOffset scans the dictionary at the current position and
// returns the offset of the value that parsing would store under key, or -1
// when the key is absent. Nested dictionaries are not searched.
func (p *Parser) DictionaryValueOffset(key string) (int, error) {
	p.SkipWhitespace()
	if !bytes.HasPrefix(p.data[p.pos:], []byte("<<")) {
		return 0, p.fail(fmt.Errorf("%w: expected dictionary", ErrInvalidDictionary))
	}
	p.pos += 2
	found := -1
	for {
		p.SkipWhitespace()
		if p.pos+1 < len(p.data) && p.data[p.pos] == '>' && p.data[p.pos+1] == '>' {
			p.pos += 2
			return found, nil
		}
		if p.pos >= len(p.data) {
			return 0, p.fail(fmt.Errorf("%w: unterminated dictionary", ErrInvalidDictionary))
		}
		if p.data[p.pos] != '/' {
			return 0, p.fail(fmt.Errorf("%w: expected name key", ErrInvalidDictionary))
		}
		name, _ := p.parseName()
		p.SkipWhitespace()
		at := p.pos
		val, err := p.ParseObject()
		if err != nil {
			return 0, err
		}
		if _, isNull := val.(NullObject); !isNull && string(name) == key {
			found = at
		}
	}
}

func (p *Parser) parseArray() (ArrayObject, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer func() { p.depth-- }()

	p.pos++
	arr := ArrayObject{}
	for {
		p.SkipWhitespace()
		if p.pos >= len(p.data) {
			return nil, p.fail(fmt.Errorf("%w: unterminated array", ErrInvalidObject))
		}
		if p.data[p.pos] == ']' {
			p.pos++
			return arr, nil
		}
		obj, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		arr = append(arr, obj)
	}
}

func (p *Parser) readNumberToken() string {
	start := p.pos
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' {
			p.pos++
			continue
		}
		break
	}
	return string(p.data[start:p.pos])
}

func parseNumber(tok string) (PdfObject, error) {
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return IntegerObject(i), nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return RealObject(f), nil
	}
	// Producers occasionally emit "--5" or "5-"; read the leading sign and digits.
	clean := bytes.TrimLeft([]byte(tok), "+-")
	if f, err := strconv.ParseFloat(string(bytes.TrimRight(clean, "+-")), 64); err == nil {
		if tok[0] == '-' {
			f = -f
		}
		return RealObject(f), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, tok)
}

func (p *Parser) parseNumberOrReference() (PdfObject, error) {
	start := p.pos
	tok := p.readNumberToken()
	num, err := parseNumber(tok)
	if err != nil {
		p.pos = start
		return nil, p.fail(err)
	}
	first, isInt := num.(IntegerObject)
	if !isInt || first < 0 {
		return num, nil
	}

	// Look ahead for "gen R".
	save := p.pos
	p.SkipWhitespace()
	genStart := p.pos
	genTok := p.readNumberToken()
	gen, err := strconv.Atoi(genTok)
	if err != nil || genTok == "" || gen < 0 || p.pos == genStart {
		p.pos = save
		return num, nil
	}
	p.SkipWhitespace()
	if p.pos < len(p.data) && p.data[p.pos] == 'R' &&
		(p.pos+1 == len(p.data) || isWhitespace(p.data[p.pos+1]) || isDelimiter(p.data[p.pos+1])) {
		p.pos++
		return Reference{ObjectNumber: int(first), GenerationNumber: gen}, nil
	}
	p.pos = save
	return num, nil
}

// ParseIndirectObject parses "n g obj ... endobj" at the current position.
func (p *Parser) ParseIndirectObject() (*IndirectObject, error) {
	p.SkipWhitespace()
	start := p.pos
	numTok := p.ReadKeyword()
	genTok := p.ReadKeyword()
	kw := p.ReadKeyword()
	objNum, err1 := strconv.Atoi(numTok)
	genNum, err2 := strconv.Atoi(genTok)
	if err1 != nil || err2 != nil || kw != "obj" {
		p.pos = start
		return nil, p.fail(fmt.Errorf("%w: expected object header", ErrInvalidObject))
	}

	obj, err := p.ParseObject()
	if err != nil {
		return nil, err
	}

	p.SkipWhitespace()
	if dict, ok := obj.(*DictionaryObject); ok && bytes.HasPrefix(p.data[p.pos:], []byte("stream")) {
		p.pos += len("stream")
		stream, err := p.readStreamData(dict)
		if err != nil {
			return nil, err
		}
		obj = stream
	}

	p.SkipWhitespace()
	if bytes.HasPrefix(p.data[p.pos:], []byte("endobj")) {
		p.pos += len("endobj")
	}
	return NewIndirectObject(objNum, genNum, obj), nil
}

func (p *Parser) readStreamData(dict *DictionaryObject) (*StreamObject, error) {
	if p.pos < len(p.data) && p.data[p.pos] == '\r' {
		p.pos++
	}
	if p.pos < len(p.data) && p.data[p.pos] == '\n' {
		p.pos++
	}
	dataStart := p.pos

	length := int64(-1)
	switch l := dict.Get("Length").(type) {
	case IntegerObject:
		length = int64(l)
	case Reference:
		if p.resolveLength != nil {
			if v, ok := p.resolveLength(l); ok {
				length = v
			}
		}
	}

	if length >= 0 && dataStart+int(length) <= len(p.data) {
		end := dataStart + int(length)
		after := NewParserAt(p.data, end)
		after.SkipWhitespace()
		if bytes.HasPrefix(p.data[after.pos:], []byte("endstream")) {
			p.pos = after.pos + len("endstream")
			return NewStream(dict, p.data[dataStart:end]), nil
		}
	}

	// Length missing or wrong: fall back to the endstream keyword.
	idx := bytes.Index(p.data[dataStart:], []byte("endstream"))
	if idx < 0 {
		return nil, p.fail(fmt.Errorf("%w: missing endstream", ErrInvalidStream))
	}
	end := dataStart + idx
	p.pos = end + len("endstream")
	if end > dataStart && p.data[end-1] == '\n' {
		end--
	}
	if end > dataStart && p.data[end-1] == '\r' {
		end--
	}
	return NewStream(dict, p.data[dataStart:end]), nil
}
