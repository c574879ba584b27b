package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// IconSize bounds both dimensions of a stored icon.
const IconSize = 32

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// NormalizeIcon decodes an image (PNG, GIF, JPEG, BMP, WebP or ICO), shrinks
// it to fit IconSize×IconSize keeping the aspect ratio, and re-encodes it as
// PNG. Smaller images are never enlarged.
func NormalizeIcon(raw []byte) ([]byte, error) {
	img, err := decodeIcon(raw)
	if err != nil {
		return nil, invalid("icon: %v", err)
	}

	b := img.Bounds()
	w, h := fitInto(b.Dx(), b.Dy(), IconSize, IconSize)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fitInto scales w×h down to fit inside frameW×frameH.
func fitInto(w, h, frameW, frameH int) (int, int) {
	scale := math.Min(float64(frameW)/float64(w), float64(frameH)/float64(h))
	if scale >= 1 {
		return w, h
	}
	return max(1, int(math.Round(float64(w)*scale))), max(1, int(math.Round(float64(h)*scale)))
}

func decodeIcon(raw []byte) (image.Image, error) {
	if isICO(raw) {
		return decodeICO(raw)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	return img, err
}

func isICO(raw []byte) bool {
	return len(raw) >= 6 && raw[0] == 0 && raw[1] == 0 && raw[2] == 1 && raw[3] == 0
}

// decodeICO picks the largest image in an ICO container. Entries are either
// embedded PNG files or headerless BMP bitmaps whose height counts the
// trailing AND mask.
func decodeICO(raw []byte) (image.Image, error) {
	count := int(binary.LittleEndian.Uint16(raw[4:6]))
	if count == 0 || len(raw) < 6+16*count {
		return nil, errors.New("truncated ico directory")
	}

	var best []byte
	bestArea := -1
	for i := range count {
		entry := raw[6+16*i : 6+16*(i+1)]
		w, h := int(entry[0]), int(entry[1])
		if w == 0 {
			w = 256
		}
		if h == 0 {
			h = 256
		}
		size := binary.LittleEndian.Uint32(entry[8:12])
		offset := binary.LittleEndian.Uint32(entry[12:16])
		end := uint64(offset) + uint64(size)
		if end > uint64(len(raw)) {
			continue
		}
		if w*h > bestArea {
			best, bestArea = raw[offset:end], w*h
		}
	}
	if best == nil {
		return nil, errors.New("no usable ico entry")
	}

	if bytes.HasPrefix(best, pngMagic) {
		return png.Decode(bytes.NewReader(best))
	}
	bmp, err := dibToBMP(best)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(bmp))
	return img, err
}

// dibToBMP prepends a BMP file header to an ICO bitmap and halves its height
// so the AND mask is ignored.
func dibToBMP(dib []byte) ([]byte, error) {
	if len(dib) < 40 {
		return nil, errors.New("truncated ico bitmap")
	}
	headerLen := binary.LittleEndian.Uint32(dib[0:4])
	if headerLen < 40 || int(headerLen) > len(dib) {
		return nil, errors.New("bad ico bitmap header")
	}
	bpp := binary.LittleEndian.Uint16(dib[14:16])
	palette := uint32(0)
	if bpp <= 8 {
		palette = binary.LittleEndian.Uint32(dib[32:36])
		if palette == 0 {
			palette = 1 << bpp
		}
		palette *= 4
	}

	out := make([]byte, 14+len(dib))
	out[0], out[1] = 'B', 'M'
	binary.LittleEndian.PutUint32(out[2:6], uint32(len(out)))
	binary.LittleEndian.PutUint32(out[10:14], 14+headerLen+palette)
	copy(out[14:], dib)
	height := int32(binary.LittleEndian.Uint32(dib[8:12])) / 2
	binary.LittleEndian.PutUint32(out[14+8:14+12], uint32(height))
	return out, nil
}
