// Package qr renders QR codes as PDF content stream paths.
package qr

import (
	"errors"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/content"
)

// ErrEmptyData is returned when there is nothing to encode.
var ErrEmptyData = errors.New("qr: empty data")

// ErrorCorrectionLevel represents the error correction level for QR codes.
type ErrorCorrectionLevel int

const (
	// ECLevelL provides ~7% error correction
	ECLevelL ErrorCorrectionLevel = iota
	// ECLevelM provides ~15% error correction
	ECLevelM
	// ECLevelQ provides ~25% error correction
	ECLevelQ
	// ECLevelH provides ~30% error correction
	ECLevelH
)

func (l ErrorCorrectionLevel) recovery() qrcode.RecoveryLevel {
	switch l {
	case ECLevelL:
		return qrcode.Low
	case ECLevelQ:
		return qrcode.High
	case ECLevelH:
		return qrcode.Highest
	}
	return qrcode.Medium
}

// QRCode is an encoded symbol.
type QRCode struct {
	Modules [][]bool
	Size    int
	// Border is the quiet zone width in modules.
	Border  int
	QRColor [3]float64
}

// NewQRCode encodes data.
func NewQRCode(data string, ecLevel ErrorCorrectionLevel) (*QRCode, error) {
	if data == "" {
		return nil, ErrEmptyData
	}
	q, err := qrcode.New(data, ecLevel.recovery())
	if err != nil {
		return nil, err
	}
	q.DisableBorder = true
	modules := q.Bitmap()
	return &QRCode{Modules: modules, Size: len(modules), Border: 1}, nil
}

// TotalModules returns the symbol width including the quiet zone.
func (qr *QRCode) TotalModules() int {
	return qr.Size + qr.Border*2
}

// RenderPDF draws the code into the square (x, y, side, side). Dark
// modules in a row are merged into one rectangle.
func (qr *QRCode) RenderPDF(x, y, side float64) []byte {
	box := side / float64(qr.TotalModules())
	brd := float64(qr.Border) * box

	cb := content.NewContentBuilder().
		SaveState().
		SetFillColor(qr.QRColor[0], qr.QRColor[1], qr.QRColor[2]).
		// row 0 is at the top
		Transform(box, 0, 0, -box, x+brd, y+brd+float64(qr.Size)*box)

	for row := 0; row < qr.Size; row++ {
		for col := 0; col < qr.Size; {
			if !qr.Modules[row][col] {
				col++
				continue
			}
			start := col
			for col < qr.Size && qr.Modules[row][col] {
				col++
			}
			cb.Rectangle(float64(start), float64(row), float64(col-start), 1)
		}
	}
	return cb.Fill().RestoreState().Render()
}
