package multimodal

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"fabricd/internal/fault"
)

// DefaultBitmapSize is the square edge images are resampled to when the
// projector does not state one.
const DefaultBitmapSize = 224

// DecodeBitmap decodes png, jpeg, gif, bmp or webp data and resamples it to
// a size x size RGBA bitmap.
func DecodeBitmap(data []byte, size int) (*image.RGBA, error) {
	if len(data) == 0 {
		return nil, fault.New(fault.ImageDecodeFailed, "multimodal.decode", "empty image")
	}
	if size <= 0 {
		size = DefaultBitmapSize
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fault.Wrap(fault.ImageDecodeFailed, "multimodal.decode", err)
	}
	if src.Bounds().Empty() {
		return nil, fault.New(fault.ImageDecodeFailed, "multimodal.decode", "image has no pixels")
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}
