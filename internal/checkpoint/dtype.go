package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Supported tensor dtypes.
const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
)

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case DTypeF32:
		return 4, nil
	case DTypeF16, DTypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func decode(buf []byte, dtype string) ([]float32, error) {
	switch dtype {
	case DTypeF32:
		out := make([]float32, len(buf)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return out, nil
	case DTypeF16:
		out := make([]float32, len(buf)/2)
		for i := range out {
			out[i] = HalfToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
		}
		return out, nil
	case DTypeBF16:
		out := make([]float32, len(buf)/2)
		for i := range out {
			out[i] = bf16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func encodeF32(data []float32) []byte {
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// HalfToFloat32 converts an IEEE 754 binary16 value to float32.
func HalfToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

// Float32ToHalf converts a float32 to the nearest IEEE 754 binary16 value
// (round half to even). Values beyond the half range become infinities.
func Float32ToHalf(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// bf16ToFloat32 widens a bfloat16 value, which is the upper half of a float32.
func bf16ToFloat32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}

// RoundToPrecision rounds every value in data to the given precision
// ("fp32", "fp16" or "bf16") in place.
func RoundToPrecision(data []float32, precision string) error {
	switch precision {
	case "fp32", "":
		return nil
	case "fp16":
		for i, v := range data {
			data[i] = float16.Fromfloat32(v).Float32()
		}
		return nil
	case "bf16":
		for i, v := range data {
			bits := math.Float32bits(v)
			if bits&0x7fffffff > 0x7f800000 {
				continue
			}
			lsb := (bits >> 16) & 1
			bits += 0x7fff + lsb
			data[i] = math.Float32frombits(bits &^ 0xffff)
		}
		return nil
	default:
		return fmt.Errorf("unsupported precision %q", precision)
	}
}
