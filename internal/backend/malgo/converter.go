package malgo

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gen2brain/malgo"
)

// bytesPerSample returns the width of one interleaved sample, 0 if the
// format is not supported
func bytesPerSample(format malgo.FormatType) int {
	switch format {
	case malgo.FormatU8:
		return 1
	case malgo.FormatS16:
		return 2
	case malgo.FormatS24:
		return 3
	case malgo.FormatS32, malgo.FormatF32:
		return 4
	default:
		return 0
	}
}

// formatName is used in logs
func formatName(format malgo.FormatType) string {
	switch format {
	case malgo.FormatU8:
		return "U8"
	case malgo.FormatS16:
		return "S16"
	case malgo.FormatS24:
		return "S24"
	case malgo.FormatS32:
		return "S32"
	case malgo.FormatF32:
		return "F32"
	default:
		return "unknown"
	}
}

// decodeSample converts one little-endian sample to a float in [-1, 1)
func decodeSample(b []byte, format malgo.FormatType) float32 {
	switch format {
	case malgo.FormatU8:
		return (float32(b[0]) - 128) / 128
	case malgo.FormatS16:
		return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
	case malgo.FormatS24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= -0x1000000
		}
		return float32(v) / 8388608
	case malgo.FormatS32:
		return float32(float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648)
	case malgo.FormatF32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}
	return 0
}

// deinterleave converts interleaved device samples into channel-major
// floats. Trailing bytes that do not form a whole frame are ignored.
func deinterleave(samples []byte, format malgo.FormatType, channels int) ([][]float32, error) {
	width := bytesPerSample(format)
	if width == 0 {
		return nil, fmt.Errorf("unsupported capture format: %v", format)
	}
	frameBytes := width * channels
	frames := len(samples) / frameBytes

	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := range frames {
		base := i * frameBytes
		for c := range channels {
			off := base + c*width
			out[c][i] = decodeSample(samples[off:off+width], format)
		}
	}
	return out, nil
}

// decimator averages groups of ratio input frames into one output frame.
// Partial groups carry over between calls.
type decimator struct {
	ratio int
	sums  []float64
	count int
}

func newDecimator(ratio, channels int) *decimator {
	return &decimator{ratio: ratio, sums: make([]float64, channels)}
}

// push consumes a channel-major block and returns the completed output
// frames, channel-major. It returns nil when no group completed.
func (d *decimator) push(in [][]float32) [][]float32 {
	if len(in) == 0 {
		return nil
	}
	frames := len(in[0])
	if d.ratio == 1 {
		return in
	}

	outFrames := (d.count + frames) / d.ratio
	if outFrames == 0 {
		for i := range frames {
			for c := range d.sums {
				d.sums[c] += float64(in[c][i])
			}
		}
		d.count += frames
		return nil
	}

	out := make([][]float32, len(d.sums))
	for c := range out {
		out[c] = make([]float32, 0, outFrames)
	}
	for i := range frames {
		for c := range d.sums {
			d.sums[c] += float64(in[c][i])
		}
		d.count++
		if d.count == d.ratio {
			for c := range d.sums {
				out[c] = append(out[c], float32(d.sums[c]/float64(d.ratio)))
				d.sums[c] = 0
			}
			d.count = 0
		}
	}
	return out
}
