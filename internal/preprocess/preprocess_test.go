package preprocess

import (
	"bytes"
	"testing"

	"github.com/care/vigil/internal/types"
)

var target = types.TensorShape{Width: 336, Height: 336, Channels: 3}

// solidFrame builds a frame filled with one 3-byte pixel value.
func solidFrame(w, h int, px [3]byte) types.Frame {
	data := make([]byte, w*h*3)
	for i := 0; i < len(data); i += 3 {
		data[i] = px[0]
		data[i+1] = px[1]
		data[i+2] = px[2]
	}
	return types.Frame{Width: w, Height: h, Data: data}
}

// A BGR frame comes out RGB-ordered with the channel order reversed per pixel.
func TestConvertSwapsBGR(t *testing.T) {
	frame := solidFrame(336, 336, [3]byte{10, 20, 30}) // B=10 G=20 R=30

	out, err := Convert(frame, target)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if len(out) != target.ByteSize() {
		t.Fatalf("output size = %d, want %d", len(out), target.ByteSize())
	}
	if out[0] != 30 || out[1] != 20 || out[2] != 10 {
		t.Errorf("first pixel = [%d %d %d], want [30 20 10]", out[0], out[1], out[2])
	}
}

// An already-RGB, already-target-shaped frame passes through byte-identical.
func TestConvertRGBIdempotent(t *testing.T) {
	frame := solidFrame(336, 336, [3]byte{1, 2, 3})

	out, err := ConvertRGB(frame, target)
	if err != nil {
		t.Fatalf("ConvertRGB failed: %v", err)
	}
	if !bytes.Equal(out, frame.Data) {
		t.Error("conforming input was modified")
	}

	// And converting the output again changes nothing.
	again, err := ConvertRGB(types.Frame{Width: 336, Height: 336, Data: out}, target)
	if err != nil {
		t.Fatalf("second ConvertRGB failed: %v", err)
	}
	if !bytes.Equal(again, out) {
		t.Error("second pass was not a no-op")
	}
}

// Resizing reaches the exact target size regardless of source dimensions.
func TestConvertResizes(t *testing.T) {
	sizes := []struct{ w, h int }{
		{640, 480},
		{1920, 1080},
		{100, 400},
		{336, 100},
	}
	for _, sz := range sizes {
		frame := solidFrame(sz.w, sz.h, [3]byte{50, 100, 150})
		out, err := Convert(frame, target)
		if err != nil {
			t.Fatalf("Convert %dx%d failed: %v", sz.w, sz.h, err)
		}
		if len(out) != target.ByteSize() {
			t.Errorf("%dx%d: output size = %d, want %d", sz.w, sz.h, len(out), target.ByteSize())
		}
		// Solid color survives nearest-neighbor sampling exactly.
		if out[0] != 150 || out[1] != 100 || out[2] != 50 {
			t.Errorf("%dx%d: first pixel = [%d %d %d], want [150 100 50]",
				sz.w, sz.h, out[0], out[1], out[2])
		}
	}
}

// Nearest-neighbor picks source pixels rather than blending them: an image
// split into left/right halves keeps hard edges after downscale.
func TestConvertNearestNoBlend(t *testing.T) {
	w, h := 672, 672
	data := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			if x < w/2 {
				data[i], data[i+1], data[i+2] = 0, 0, 0
			} else {
				data[i], data[i+1], data[i+2] = 255, 255, 255
			}
		}
	}

	out, err := ConvertRGB(types.Frame{Width: w, Height: h, Data: data}, target)
	if err != nil {
		t.Fatalf("ConvertRGB failed: %v", err)
	}
	for i := 0; i < len(out); i++ {
		if out[i] != 0 && out[i] != 255 {
			t.Fatalf("blended value %d at offset %d", out[i], i)
		}
	}
}

// Malformed frames are rejected instead of panicking.
func TestConvertRejectsBadInput(t *testing.T) {
	if _, err := Convert(types.Frame{Width: 0, Height: 0}, target); err == nil {
		t.Error("expected error for zero-sized frame")
	}
	if _, err := Convert(types.Frame{Width: 10, Height: 10, Data: make([]byte, 5)}, target); err == nil {
		t.Error("expected error for short data")
	}
	bad := types.TensorShape{Width: 336, Height: 336, Channels: 4}
	if _, err := Convert(solidFrame(8, 8, [3]byte{0, 0, 0}), bad); err == nil {
		t.Error("expected error for unsupported channel count")
	}
}
