package rasterdecode

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/mzyy94/airscan-core/internal/status"
)

func encodePNG(t *testing.T, wid, hei int, fill func(x, y int) color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, wid, hei))
	for y := 0; y < hei; y++ {
		for x := 0; x < wid; x++ {
			img.Set(x, y, fill(x, y))
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestBeginAndParams(t *testing.T) {
	data := encodePNG(t, 4, 3, func(x, y int) color.Color {
		return color.RGBA{R: byte(x * 10), G: byte(y * 10), B: 0, A: 255}
	})

	d := New()
	if err := d.Begin(data); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	p := d.Params()
	if p.PixelsPerLine != 4 || p.Lines != 3 {
		t.Fatalf("Params = %+v, want 4x3", p)
	}
	if p.Format != status.FrameRGB {
		t.Errorf("Format = %v, want RGB", p.Format)
	}
	if d.BytesPerPixel() != 3 {
		t.Errorf("BytesPerPixel = %d, want 3", d.BytesPerPixel())
	}
}

func TestReadLineDeliversRows(t *testing.T) {
	data := encodePNG(t, 2, 2, func(x, y int) color.Color {
		if x == 0 && y == 0 {
			return color.RGBA{R: 255, A: 255}
		}
		return color.RGBA{A: 255}
	})

	d := New()
	if err := d.Begin(data); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	buf := make([]byte, 2*3)
	if err := d.ReadLine(buf); err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if buf[0] != 255 || buf[1] != 0 || buf[2] != 0 {
		t.Errorf("row 0 pixel 0 = %v, want red", buf[:3])
	}

	if err := d.ReadLine(buf); err != nil {
		t.Fatalf("ReadLine row 1: %v", err)
	}

	if err := d.ReadLine(buf); !IsEndOfImage(err) {
		t.Fatalf("ReadLine past end: err = %v, want end-of-image", err)
	}
}

func TestSetWindowCropsRows(t *testing.T) {
	data := encodePNG(t, 4, 4, func(x, y int) color.Color {
		return color.RGBA{R: byte(x), G: byte(y), A: 255}
	})

	d := New()
	if err := d.Begin(data); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	got, err := d.SetWindow(Window{XOff: 1, YOff: 1, Wid: 2, Hei: 2})
	if err != nil {
		t.Fatalf("SetWindow: %v", err)
	}
	if got.Wid != 2 || got.Hei != 2 {
		t.Fatalf("SetWindow returned %+v", got)
	}

	buf := make([]byte, 2*3)
	if err := d.ReadLine(buf); err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	// First cropped row is source row 1, starting at column 1: R=1,G=1.
	if buf[0] != 1 || buf[1] != 1 {
		t.Errorf("cropped pixel = %v, want R=1,G=1", buf[:2])
	}
}

func TestSetWindowOutOfBounds(t *testing.T) {
	data := encodePNG(t, 2, 2, func(x, y int) color.Color { return color.Black })
	d := New()
	if err := d.Begin(data); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := d.SetWindow(Window{XOff: 1, YOff: 0, Wid: 5, Hei: 2}); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}

func TestGrayFormat(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}

	d := New()
	if err := d.Begin(buf.Bytes()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if d.Params().Format != status.FrameGray {
		t.Errorf("Format = %v, want Gray", d.Params().Format)
	}
	if d.BytesPerPixel() != 1 {
		t.Errorf("BytesPerPixel = %d, want 1", d.BytesPerPixel())
	}
}

func TestReset(t *testing.T) {
	data := encodePNG(t, 1, 1, func(x, y int) color.Color { return color.Black })
	d := New()
	if err := d.Begin(data); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	d.Reset()
	if d.Params().PixelsPerLine != 0 {
		t.Errorf("Params after Reset = %+v, want zero", d.Params())
	}
}
