package checkpoint

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveOpen_roundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	tensors := map[string]*Tensor{
		"ln_vision.weight": {Shape: []int{3}, Data: []float32{1, 2, 3}},
		"llama_proj.weight": {Shape: []int{2, 3}, Data: []float32{
			0.5, -1, 0,
			2, 0.25, -0.125,
		}},
	}
	if err := Save(path, tensors, map[string]string{"format": "pt"}); err != nil {
		t.Fatal(err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	names := f.Names()
	if len(names) != 2 || names[0] != "llama_proj.weight" || names[1] != "ln_vision.weight" {
		t.Errorf("Names() = %v", names)
	}
	if f.Metadata()["format"] != "pt" {
		t.Errorf("metadata = %v", f.Metadata())
	}
	shape, ok := f.Shape("llama_proj.weight")
	if !ok || !ShapeEqual(shape, []int{2, 3}) {
		t.Errorf("Shape = %v, %v", shape, ok)
	}
	got, err := f.Tensor("llama_proj.weight")
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range tensors["llama_proj.weight"].Data {
		if got.Data[i] != v {
			t.Errorf("data[%d] = %v, want %v", i, got.Data[i], v)
		}
	}
	if _, err := f.Tensor("missing"); !errors.Is(err, ErrTensorNotFound) {
		t.Errorf("missing tensor: got %v", err)
	}
}

func TestSave_shapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	err := Save(path, map[string]*Tensor{"x": {Shape: []int{2, 2}, Data: []float32{1}}}, nil)
	if err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func writeRaw(t *testing.T, header string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.safetensors")
	buf := make([]byte, 8, 8+len(header)+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, data...)
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpen_halfPrecisionTensors(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint16(data[0:], 0x3c00) // f16 1.0
	binary.LittleEndian.PutUint16(data[2:], 0xc000) // f16 -2.0
	binary.LittleEndian.PutUint16(data[4:], 0x3f80) // bf16 1.0
	binary.LittleEndian.PutUint16(data[6:], 0x4040) // bf16 3.0
	header := `{"a":{"dtype":"F16","shape":[2],"data_offsets":[0,4]},"b":{"dtype":"BF16","shape":[2],"data_offsets":[4,8]}}`
	f, err := Open(writeRaw(t, header, data))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	a, err := f.Tensor("a")
	if err != nil {
		t.Fatal(err)
	}
	if a.Data[0] != 1 || a.Data[1] != -2 {
		t.Errorf("f16 decode = %v", a.Data)
	}
	b, err := f.Tensor("b")
	if err != nil {
		t.Fatal(err)
	}
	if b.Data[0] != 1 || b.Data[1] != 3 {
		t.Errorf("bf16 decode = %v", b.Data)
	}
}

func TestOpen_corrupt(t *testing.T) {
	tests := []struct {
		name   string
		header string
		data   []byte
	}{
		{"not json", "{{{", nil},
		{"unknown dtype", `{"a":{"dtype":"I8","shape":[1],"data_offsets":[0,1]}}`, []byte{0}},
		{"offsets past end", `{"a":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`, make([]byte, 4)},
		{"shape mismatch", `{"a":{"dtype":"F32","shape":[3],"data_offsets":[0,4]}}`, make([]byte, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(writeRaw(t, tt.header, tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestOpen_missingAndTruncated(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope.safetensors")); err == nil {
		t.Error("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "short")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Error("expected error for truncated file")
	}
}

func TestHalfConversion(t *testing.T) {
	for _, v := range []float32{0, 1, -1, 0.5, 65504, -0.000061035156, 3.140625} {
		if got := HalfToFloat32(Float32ToHalf(v)); got != v {
			t.Errorf("round trip %v -> %v", v, got)
		}
	}
	if got := HalfToFloat32(Float32ToHalf(1e6)); !math.IsInf(float64(got), 1) {
		t.Errorf("overflow should become +Inf, got %v", got)
	}
	if got := HalfToFloat32(0x0001); got != float32(math.Ldexp(1, -24)) {
		t.Errorf("smallest subnormal = %v", got)
	}
	// 1 + 2^-11 is halfway between 1 and the next half; ties go to even.
	if got := Float32ToHalf(1 + float32(math.Ldexp(1, -11))); got != 0x3c00 {
		t.Errorf("tie should round to even, got %#04x", got)
	}
	if got := HalfToFloat32(Float32ToHalf(float32(math.NaN()))); !math.IsNaN(float64(got)) {
		t.Errorf("NaN should survive, got %v", got)
	}
	if got := Float32ToHalf(-1e-9); got != 0x8000 {
		t.Errorf("underflow should keep the sign, got %#04x", got)
	}
}

func TestRoundToPrecision(t *testing.T) {
	data := []float32{1.0001, 2}
	if err := RoundToPrecision(data, "fp16"); err != nil {
		t.Fatal(err)
	}
	if data[0] != 1 || data[1] != 2 {
		t.Errorf("fp16 rounding = %v", data)
	}
	data = []float32{1.001}
	if err := RoundToPrecision(data, "bf16"); err != nil {
		t.Fatal(err)
	}
	if data[0] != 1 {
		t.Errorf("bf16 rounding = %v", data)
	}
	if err := RoundToPrecision(data, "int8"); err == nil {
		t.Error("expected error for unknown precision")
	}
}
