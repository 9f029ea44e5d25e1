// Package preprocess normalizes captured frames into the fixed tensor shape
// the accelerator expects: channel reorder, nearest-neighbor resize, packed
// uint8 bytes. Nearest-neighbor is a deliberate speed-over-quality choice;
// the model is robust to the artifacts and monitoring latency matters more.
package preprocess

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/care/vigil/internal/types"
)

// Convert normalizes a BGR24 frame into a packed RGB tensor of exactly
// target.ByteSize() bytes. The input frame is never modified.
func Convert(frame types.Frame, target types.TensorShape) ([]byte, error) {
	return convert(frame, target, true)
}

// ConvertRGB is Convert for frames whose pixel data is already RGB-ordered.
// On an input that already has the target shape it returns an identical copy.
func ConvertRGB(frame types.Frame, target types.TensorShape) ([]byte, error) {
	return convert(frame, target, false)
}

func convert(frame types.Frame, target types.TensorShape, swapBGR bool) ([]byte, error) {
	if frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("invalid frame dimensions: %dx%d", frame.Width, frame.Height)
	}
	if len(frame.Data) < frame.Size() {
		return nil, fmt.Errorf("short frame data: got %d bytes, need %d (%dx%d*3)",
			len(frame.Data), frame.Size(), frame.Width, frame.Height)
	}
	if target.Channels != 3 {
		return nil, fmt.Errorf("unsupported channel count: %d", target.Channels)
	}
	if target.Width <= 0 || target.Height <= 0 {
		return nil, fmt.Errorf("invalid target shape: %dx%d", target.Width, target.Height)
	}

	// Already conforming: just copy the pixels out.
	if !swapBGR && frame.Width == target.Width && frame.Height == target.Height {
		out := make([]byte, target.ByteSize())
		copy(out, frame.Data[:target.ByteSize()])
		return out, nil
	}

	src := toRGBA(frame, swapBGR)

	if frame.Width != target.Width || frame.Height != target.Height {
		dst := image.NewRGBA(image.Rect(0, 0, target.Width, target.Height))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		src = dst
	}

	return packRGB(src, target), nil
}

// toRGBA wraps packed 3-channel pixel data in an image.RGBA, reordering BGR
// to RGB when asked.
func toRGBA(frame types.Frame, swapBGR bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		srcRow := y * frame.Width * 3
		dstRow := y * img.Stride
		for x := 0; x < frame.Width; x++ {
			si := srcRow + x*3
			di := dstRow + x*4
			if swapBGR {
				img.Pix[di+0] = frame.Data[si+2]
				img.Pix[di+1] = frame.Data[si+1]
				img.Pix[di+2] = frame.Data[si+0]
			} else {
				img.Pix[di+0] = frame.Data[si+0]
				img.Pix[di+1] = frame.Data[si+1]
				img.Pix[di+2] = frame.Data[si+2]
			}
			img.Pix[di+3] = 0xFF
		}
	}
	return img
}

// packRGB extracts a tight RGB byte slice from an RGBA image.
func packRGB(img *image.RGBA, target types.TensorShape) []byte {
	out := make([]byte, target.ByteSize())
	for y := 0; y < target.Height; y++ {
		srcRow := y * img.Stride
		dstRow := y * target.Width * 3
		for x := 0; x < target.Width; x++ {
			si := srcRow + x*4
			di := dstRow + x*3
			out[di+0] = img.Pix[si+0]
			out[di+1] = img.Pix[si+1]
			out[di+2] = img.Pix[si+2]
		}
	}
	return out
}
