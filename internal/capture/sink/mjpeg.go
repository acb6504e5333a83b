package sink

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/pkg/errors"
)

// frameEncoder compresses BGRA frames into JPEG pictures. The RGBA scratch
// image is reused between frames of the same size.
type frameEncoder struct {
	quality int
	img     *image.RGBA
	buf     bytes.Buffer
}

func newFrameEncoder(quality int) *frameEncoder {
	return &frameEncoder{quality: quality}
}

// Encode returns a freshly allocated JPEG picture of the frame.
func (e *frameEncoder) Encode(bgra []byte, width, height int) ([]byte, error) {
	if len(bgra) != width*height*4 {
		return nil, errors.Errorf("frame is %d bytes, want %d for %dx%d", len(bgra), width*height*4, width, height)
	}

	if e.img == nil || e.img.Rect.Dx() != width || e.img.Rect.Dy() != height {
		e.img = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	pix := e.img.Pix
	for i := 0; i+3 < len(bgra); i += 4 {
		pix[i] = bgra[i+2]
		pix[i+1] = bgra[i+1]
		pix[i+2] = bgra[i]
		pix[i+3] = 0xff
	}

	e.buf.Reset()
	if err := jpeg.Encode(&e.buf, e.img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	return bytes.Clone(e.buf.Bytes()), nil
}
