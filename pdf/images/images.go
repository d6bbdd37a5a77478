// Package images converts raster images into PDF image XObjects.
package images

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/filters"
	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
)

// Common errors
var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrDecodeFailed      = errors.New("image decode failed")
	ErrInvalidDimensions = errors.New("invalid image dimensions")
)

// ColorSpace represents a PDF color space.
type ColorSpace string

const (
	ColorSpaceGray ColorSpace = "DeviceGray"
	ColorSpaceRGB  ColorSpace = "DeviceRGB"
	ColorSpaceCMYK ColorSpace = "DeviceCMYK"
)

// PDFImage represents an image ready for PDF embedding.
type PDFImage struct {
	Width      int
	Height     int
	ColorSpace ColorSpace
	// Data is filtered with Filter.
	Data   []byte
	Filter string
	// AlphaData is the Flate compressed soft mask, if any.
	AlphaData []byte
	// Format is the name of the decoder that read the source.
	Format string
}

// Load reads an image file from disk.
func Load(path string) (*PDFImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromBytes(data)
}

// FromBytes decodes PNG, JPEG, GIF, BMP, TIFF or WebP data. JPEG data is
// embedded as is.
func FromBytes(data []byte) (*PDFImage, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, ErrUnsupportedFormat
		}
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, ErrInvalidDimensions
	}

	if format == "jpeg" {
		cs := ColorSpaceRGB
		switch cfg.ColorModel {
		case color.GrayModel:
			cs = ColorSpaceGray
		case color.CMYKModel:
			cs = ColorSpaceCMYK
		}
		return &PDFImage{
			Width:      cfg.Width,
			Height:     cfg.Height,
			ColorSpace: cs,
			Data:       data,
			Filter:     "DCTDecode",
			Format:     format,
		}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	out, err := FromImage(img)
	if err != nil {
		return nil, err
	}
	out.Format = format
	return out, nil
}

// FromImage converts a decoded image to Flate compressed samples with an
// optional soft mask.
func FromImage(img image.Image) (*PDFImage, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidDimensions
	}

	gray := false
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		gray = true
	}

	components := 3
	cs := ColorSpaceRGB
	if gray {
		components = 1
		cs = ColorSpaceGray
	}

	pixels := make([]byte, 0, width*height*components)
	alpha := make([]byte, 0, width*height)
	opaque := true
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if gray {
				pixels = append(pixels, c.R)
			} else {
				pixels = append(pixels, c.R, c.G, c.B)
			}
			alpha = append(alpha, c.A)
			if c.A != 0xFF {
				opaque = false
			}
		}
	}

	data, err := filters.Deflate(pixels)
	if err != nil {
		return nil, err
	}
	out := &PDFImage{
		Width:      width,
		Height:     height,
		ColorSpace: cs,
		Data:       data,
		Filter:     "FlateDecode",
	}
	if !opaque {
		if out.AlphaData, err = filters.Deflate(alpha); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// HasAlpha reports whether the image carries a soft mask.
func (img *PDFImage) HasAlpha() bool { return len(img.AlphaData) > 0 }

// Embed adds the image XObject, and its soft mask when present, through
// add and returns the image reference.
func (img *PDFImage) Embed(add func(generic.PdfObject) generic.Reference) generic.Reference {
	dict := imageDict(img.Width, img.Height, img.ColorSpace, img.Filter)
	if img.ColorSpace == ColorSpaceCMYK && img.Filter == "DCTDecode" {
		// Adobe CMYK JPEGs are stored inverted
		dict.Set("Decode", generic.NewArray(
			generic.IntegerObject(1), generic.IntegerObject(0),
			generic.IntegerObject(1), generic.IntegerObject(0),
			generic.IntegerObject(1), generic.IntegerObject(0),
			generic.IntegerObject(1), generic.IntegerObject(0),
		))
	}
	if img.HasAlpha() {
		mask := add(generic.NewStream(imageDict(img.Width, img.Height, ColorSpaceGray, "FlateDecode"), img.AlphaData))
		dict.Set("SMask", mask)
	}
	return add(generic.NewStream(dict, img.Data))
}

func imageDict(w, h int, cs ColorSpace, filter string) *generic.DictionaryObject {
	d := generic.NewDictionary()
	d.Set("Type", generic.NameObject("XObject"))
	d.Set("Subtype", generic.NameObject("Image"))
	d.Set("Width", generic.IntegerObject(w))
	d.Set("Height", generic.IntegerObject(h))
	d.Set("ColorSpace", generic.NameObject(cs))
	d.Set("BitsPerComponent", generic.IntegerObject(8))
	d.Set("Filter", generic.NameObject(filter))
	return d
}

// EncodeJPEG re-encodes an image as baseline JPEG.
func EncodeJPEG(img image.Image, quality int) (*PDFImage, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return FromBytes(buf.Bytes())
}
