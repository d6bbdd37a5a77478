package filters

import (
	"fmt"

	"github.com/signpdfkit/SignPDFKit-Lib/pdf/generic"
)

func intParam(params *generic.DictionaryObject, key string, def int) int {
	if v, ok := params.GetInt(key); ok {
		return int(v)
	}
	return def
}

// applyPredictor reverses the TIFF (2) or PNG (10-15) predictor named in params.
func applyPredictor(data []byte, params *generic.DictionaryObject) ([]byte, error) {
	predictor := intParam(params, "Predictor", 1)
	if predictor <= 1 {
		return data, nil
	}
	columns := intParam(params, "Columns", 1)
	colors := intParam(params, "Colors", 1)
	bpc := intParam(params, "BitsPerComponent", 8)
	if columns <= 0 || colors <= 0 || bpc <= 0 {
		return nil, fmt.Errorf("%w: invalid predictor parameters", ErrDecodeFailed)
	}

	bpp := max((colors*bpc+7)/8, 1)
	rowLen := (columns*colors*bpc + 7) / 8

	switch {
	case predictor == 2:
		if bpc != 8 {
			return nil, fmt.Errorf("%w: TIFF predictor with %d bits per component", ErrUnsupportedFilter, bpc)
		}
		out := append([]byte(nil), data...)
		for row := 0; row+rowLen <= len(out); row += rowLen {
			for j := bpp; j < rowLen; j++ {
				out[row+j] += out[row+j-bpp]
			}
		}
		return out, nil
	case predictor >= 10:
		return decodePNG(data, rowLen, bpp)
	}
	return nil, fmt.Errorf("%w: predictor %d", ErrUnsupportedFilter, predictor)
}

func decodePNG(data []byte, rowLen, bpp int) ([]byte, error) {
	stride := rowLen + 1
	out := make([]byte, 0, len(data)/stride*rowLen)
	prev := make([]byte, rowLen)
	cur := make([]byte, rowLen)

	for i := 0; i+stride <= len(data); i += stride {
		kind := data[i]
		row := data[i+1 : i+stride]
		for j := range row {
			var left, upLeft byte
			if j >= bpp {
				left = cur[j-bpp]
				upLeft = prev[j-bpp]
			}
			up := prev[j]
			switch kind {
			case 0:
				cur[j] = row[j]
			case 1:
				cur[j] = row[j] + left
			case 2:
				cur[j] = row[j] + up
			case 3:
				cur[j] = row[j] + byte((int(left)+int(up))/2)
			case 4:
				cur[j] = row[j] + paeth(left, up, upLeft)
			default:
				return nil, fmt.Errorf("%w: unknown PNG filter type %d", ErrDecodeFailed, kind)
			}
		}
		out = append(out, cur...)
		prev, cur = cur, prev
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
