// Package rasterdecode implements the boundary image decoder spec.md
// §6 specifies (begin/get_params/get_bytes_per_pixel/set_window/
// read_line/reset). Only the container formats an eSCL scanner
// realistically returns are supported: JPEG and PNG via the standard
// library, TIFF (bilevel ADF output) via golang.org/x/image/tiff.
package rasterdecode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // registers "jpeg" with image.Decode
	_ "image/png"  // registers "png" with image.Decode
	"net/http"

	"golang.org/x/image/tiff"

	"github.com/mzyy94/airscan-core/internal/status"
)

// Params mirrors what image_decoder_get_params returns in the C
// source: the frame layout the caller's promised parameters must
// match, plus the pixel dimensions of the underlying image.
type Params struct {
	Format        status.FrameFormat
	PixelsPerLine int
	Lines         int
	Depth         int
}

// Window is the sub-rectangle of the decoded image the caller wants,
// in decoded-image pixel coordinates.
type Window struct {
	XOff, YOff int
	Wid, Hei   int
}

// Decoder is the per-image decode session contract. A single Decoder
// instance is reused across images via Reset.
type Decoder interface {
	// Begin starts decoding data, which must be a single complete
	// encoded image (JPEG, PNG, or TIFF).
	Begin(data []byte) error
	Params() Params
	BytesPerPixel() int
	// SetWindow restricts decoding to a sub-rectangle. Implementations
	// that cannot crop arbitrarily return the window they can actually
	// honor; callers must compare it against the requested one.
	SetWindow(w Window) (Window, error)
	// ReadLine decodes exactly one row of BytesPerPixel()*width bytes
	// into buf, advancing an internal cursor.
	ReadLine(buf []byte) error
	Reset()
	// ContentType returns the sniffed MIME type of the last image
	// passed to Begin, for logging.
	ContentType() string
}

// New returns a Decoder able to handle whatever container format the
// bytes passed to Begin turn out to be.
func New() Decoder {
	return &decoder{}
}

type decoder struct {
	img         image.Image
	bounds      image.Rectangle
	window      Window
	line        int
	format      status.FrameFormat
	contentType string
}

func (d *decoder) Begin(data []byte) error {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// image.Decode only knows the formats registered via their
		// package's init(); TIFF needs an explicit fallback since we
		// don't blank-import it for its side effects alone.
		img2, terr := tiff.Decode(bytes.NewReader(data))
		if terr != nil {
			return fmt.Errorf("rasterdecode: unrecognized image data: %w", err)
		}
		img = img2
	}

	d.img = img
	d.bounds = img.Bounds()
	d.window = Window{XOff: 0, YOff: 0, Wid: d.bounds.Dx(), Hei: d.bounds.Dy()}
	d.line = 0
	d.format = detectFormat(img)
	d.contentType = contentType(data)
	return nil
}

func (d *decoder) ContentType() string {
	return d.contentType
}

func detectFormat(img image.Image) status.FrameFormat {
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return status.FrameGray
	default:
		return status.FrameRGB
	}
}

func (d *decoder) Params() Params {
	return Params{
		Format:        d.format,
		PixelsPerLine: d.bounds.Dx(),
		Lines:         d.bounds.Dy(),
		Depth:         8,
	}
}

func (d *decoder) BytesPerPixel() int {
	if d.format == status.FrameRGB {
		return 3
	}
	return 1
}

func (d *decoder) SetWindow(w Window) (Window, error) {
	if w.XOff < 0 || w.YOff < 0 || w.XOff+w.Wid > d.bounds.Dx() || w.YOff+w.Hei > d.bounds.Dy() {
		return Window{}, fmt.Errorf("rasterdecode: window %+v out of bounds %v", w, d.bounds)
	}
	d.window = w
	d.line = 0
	return w, nil
}

func (d *decoder) ReadLine(buf []byte) error {
	if d.line >= d.window.Hei {
		return fmt.Errorf("rasterdecode: %w", errEndOfImage)
	}

	bpp := d.BytesPerPixel()
	y := d.bounds.Min.Y + d.window.YOff + d.line
	x0 := d.bounds.Min.X + d.window.XOff

	need := d.window.Wid * bpp
	if len(buf) < need {
		return fmt.Errorf("rasterdecode: line buffer too small: have %d, need %d", len(buf), need)
	}

	for i := 0; i < d.window.Wid; i++ {
		r, g, b, _ := d.img.At(x0+i, y).RGBA()
		if bpp == 1 {
			buf[i] = byte(r >> 8)
		} else {
			off := i * 3
			buf[off] = byte(r >> 8)
			buf[off+1] = byte(g >> 8)
			buf[off+2] = byte(b >> 8)
		}
	}

	d.line++
	return nil
}

func (d *decoder) Reset() {
	d.img = nil
	d.bounds = image.Rectangle{}
	d.window = Window{}
	d.line = 0
}

// errEndOfImage is returned (wrapped) by ReadLine once every row in
// the current window has been delivered.
var errEndOfImage = fmt.Errorf("end of image")

// IsEndOfImage reports whether err is the sentinel ReadLine returns
// once the window is exhausted.
func IsEndOfImage(err error) bool {
	return errors.Is(err, errEndOfImage)
}

// contentType sniffs the encoded image's MIME type with
// http.DetectContentType; ContentType reports the result.
func contentType(data []byte) string {
	return http.DetectContentType(data)
}
