package content

import (
	"bytes"
	"fmt"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
)

// Parse scans a content stream into operations. Inline image data is
// skipped and reported as a single EI operation without operands.
func Parse(data []byte) (*ContentStream, error) {
	cs := NewContentStream()
	p := generic.NewParser(data)
	var operands []generic.PdfObject

	for {
		p.SkipWhitespace()
		pos := p.Pos()
		if pos >= len(data) {
			break
		}

		c := data[pos]
		if startsOperand(c) {
			obj, err := p.ParseObject()
			if err != nil {
				return nil, fmt.Errorf("content: %w", err)
			}
			operands = append(operands, obj)
			continue
		}

		kw := p.ReadKeyword()
		switch kw {
		case "":
			// stray delimiter such as ')' or '}'
			p.SetPos(pos + 1)
			continue
		case "true":
			operands = append(operands, generic.BooleanObject(true))
			continue
		case "false":
			operands = append(operands, generic.BooleanObject(false))
			continue
		case "null":
			operands = append(operands, generic.NullObject{})
			continue
		case string(OpBeginInlineImage):
			if err := skipInlineImage(p, data); err != nil {
				return nil, fmt.Errorf("content: %w", err)
			}
			cs.AddOperation(OpEndInlineImage)
			operands = nil
			continue
		}

		cs.AddOperation(Operator(kw), operands...)
		operands = nil
	}
	return cs, nil
}

func startsOperand(c byte) bool {
	switch {
	case c == '/', c == '(', c == '<', c == '[':
		return true
	case c == '+', c == '-', c == '.':
		return true
	case c >= '0' && c <= '9':
		return true
	}
	return false
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == 0 || b == '\f'
}

// skipInlineImage moves p past the EI that closes an inline image whose
// dictionary starts at the current position.
func skipInlineImage(p *generic.Parser, data []byte) error {
	start := p.Pos()
	for {
		p.SkipWhitespace()
		pos := p.Pos()
		if pos >= len(data) {
			return &generic.SyntaxError{Offset: int64(start), Err: fmt.Errorf("%w: inline image without ID", generic.ErrInvalidStream)}
		}
		if startsOperand(data[pos]) {
			if _, err := p.ParseObject(); err != nil {
				return err
			}
			continue
		}
		kw := p.ReadKeyword()
		if kw == string(OpBeginImageData) {
			break
		}
		if kw == "" {
			p.SetPos(pos + 1)
		}
	}

	// a single whitespace byte separates ID from the data
	i := p.Pos() + 1
	for i < len(data) {
		n := bytes.Index(data[i:], []byte("EI"))
		if n < 0 {
			break
		}
		at := i + n
		after := at + 2
		if isSpace(data[at-1]) && (after == len(data) || isSpace(data[after])) {
			p.SetPos(after)
			return nil
		}
		i = after
	}
	return &generic.SyntaxError{Offset: int64(start), Err: fmt.Errorf("%w: unterminated inline image", generic.ErrInvalidStream)}
}
