package vision

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/hyperjump/medvision/internal/imaging"
	"github.com/hyperjump/medvision/internal/models"
)

const (
	testImage  = 32
	testPatch  = 16
	testHidden = 4
)

func testPreprocessor(t *testing.T) *imaging.Preprocessor {
	t.Helper()
	r, err := imaging.LookupRecipe("openai/clip-vit-base-patch32")
	if err != nil {
		t.Fatalf("LookupRecipe failed: %v", err)
	}
	p, err := imaging.NewPreprocessor(r.WithGeometry(testImage, testPatch))
	if err != nil {
		t.Fatalf("NewPreprocessor failed: %v", err)
	}
	return p
}

func testWeights(hidden, patch, grid int) PatchEmbedWeights {
	kernel := 3 * patch * patch
	w := PatchEmbedWeights{
		Weight:   make([]float32, hidden*kernel),
		Bias:     make([]float32, hidden),
		Class:    make([]float32, hidden),
		Position: make([]float32, (grid*grid+1)*hidden),
	}
	for i := range w.Weight {
		w.Weight[i] = float32((i%7)-3) * 0.01
	}
	for i := range w.Bias {
		w.Bias[i] = float32(i) * 0.1
		w.Class[i] = 1 + float32(i)
	}
	for i := range w.Position {
		w.Position[i] = float32(i%5) * 0.05
	}
	return w
}

func onesLayerNorm(t *testing.T, width int) *LayerNorm {
	t.Helper()
	weight := make([]float32, width)
	bias := make([]float32, width)
	for i := range weight {
		weight[i] = 1
	}
	ln, err := NewLayerNorm(weight, bias, 1e-5)
	if err != nil {
		t.Fatalf("NewLayerNorm failed: %v", err)
	}
	return ln
}

func gradientImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 255 / w), uint8(y * 255 / h), 128, 255})
		}
	}
	return img
}

func TestNewPatchEmbedBackbone_ShapeErrors(t *testing.T) {
	good := testWeights(testHidden, testPatch, 2)
	tests := []struct {
		name   string
		mutate func(w *PatchEmbedWeights)
	}{
		{"weight", func(w *PatchEmbedWeights) { w.Weight = w.Weight[1:] }},
		{"bias", func(w *PatchEmbedWeights) { w.Bias = nil }},
		{"class", func(w *PatchEmbedWeights) { w.Class = append(w.Class, 0) }},
		{"position", func(w *PatchEmbedWeights) { w.Position = w.Position[:testHidden] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := good
			tt.mutate(&w)
			if _, err := NewPatchEmbedBackbone(w, testHidden, testImage, testPatch); err == nil {
				t.Error("expected shape error")
			}
		})
	}
	if _, err := NewPatchEmbedBackbone(good, testHidden, 30, testPatch); err == nil {
		t.Error("expected geometry error")
	}
}

func TestPatchEmbedBackbone_Forward(t *testing.T) {
	grid := testImage / testPatch
	w := testWeights(testHidden, testPatch, grid)
	b, err := NewPatchEmbedBackbone(w, testHidden, testImage, testPatch)
	if err != nil {
		t.Fatalf("NewPatchEmbedBackbone failed: %v", err)
	}

	// A zero tensor isolates bias, class and position terms.
	zero := &imaging.Tensor{Channels: 3, Height: testImage, Width: testImage, Data: make([]float32, 3*testImage*testImage)}
	tokens, err := b.Forward(zero)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if len(tokens) != grid*grid+1 {
		t.Fatalf("expected %d tokens, got %d", grid*grid+1, len(tokens))
	}
	for i := 0; i < testHidden; i++ {
		if want := w.Class[i] + w.Position[i]; tokens[0][i] != want {
			t.Errorf("class token[%d] = %f, want %f", i, tokens[0][i], want)
		}
		if want := w.Bias[i] + w.Position[3*testHidden+i]; tokens[3][i] != want {
			t.Errorf("patch 3 token[%d] = %f, want %f", i, tokens[3][i], want)
		}
	}

	// A single lit pixel in the second patch picks one kernel column.
	lit := &imaging.Tensor{Channels: 3, Height: testImage, Width: testImage, Data: make([]float32, 3*testImage*testImage)}
	lit.Data[(1*testImage+0)*testImage+testPatch] = 2 // channel 1, y=0, x=16
	tokens, err = b.Forward(lit)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	kernel := 3 * testPatch * testPatch
	col := 1 * testPatch * testPatch
	for o := 0; o < testHidden; o++ {
		want := 2*w.Weight[o*kernel+col] + w.Bias[o] + w.Position[2*testHidden+o]
		if math.Abs(float64(tokens[2][o]-want)) > 1e-6 {
			t.Errorf("patch 1 token[%d] = %f, want %f", o, tokens[2][o], want)
		}
	}
}

func TestPatchEmbedBackbone_Closed(t *testing.T) {
	b, err := NewPatchEmbedBackbone(testWeights(testHidden, testPatch, 2), testHidden, testImage, testPatch)
	if err != nil {
		t.Fatalf("NewPatchEmbedBackbone failed: %v", err)
	}
	_ = b.Close()
	zero := &imaging.Tensor{Channels: 3, Height: testImage, Width: testImage, Data: make([]float32, 3*testImage*testImage)}
	if _, err := b.Forward(zero); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestLayerNorm(t *testing.T) {
	ln, err := NewLayerNorm([]float32{1, 1, 2, 2}, []float32{0, 0, 0, 1}, 1e-5)
	if err != nil {
		t.Fatalf("NewLayerNorm failed: %v", err)
	}
	out := ln.Apply([]float32{1, 2, 3, 4})
	// mean 2.5, variance 1.25
	inv := 1 / math.Sqrt(1.25+1e-5)
	want := []float64{-1.5 * inv, -0.5 * inv, 2 * 0.5 * inv, 2*1.5*inv + 1}
	for i := range want {
		if math.Abs(float64(out[i])-want[i]) > 1e-5 {
			t.Errorf("out[%d] = %f, want %f", i, out[i], want[i])
		}
	}

	if _, err := NewLayerNorm([]float32{1}, []float32{1, 2}, 1e-5); err == nil {
		t.Error("expected width mismatch error")
	}
	if _, err := NewLayerNorm([]float32{1}, []float32{1}, 0); err == nil {
		t.Error("expected eps error")
	}
}

type fakeBackbone struct {
	tokens [][]float32
	hidden int
	err    error
}

func (f *fakeBackbone) Forward(_ *imaging.Tensor) ([][]float32, error) { return f.tokens, f.err }
func (f *fakeBackbone) HiddenSize() int                                { return f.hidden }
func (f *fakeBackbone) Close() error                                   { return nil }

func TestEncoder_Encode(t *testing.T) {
	grid := testImage / testPatch
	b, err := NewPatchEmbedBackbone(testWeights(testHidden, testPatch, grid), testHidden, testImage, testPatch)
	if err != nil {
		t.Fatalf("NewPatchEmbedBackbone failed: %v", err)
	}
	enc, err := NewEncoder(testPreprocessor(t), b, onesLayerNorm(t, testHidden))
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	for _, size := range [][2]int{{64, 64}, {100, 20}, {7, 300}} {
		feats, err := enc.Encode(gradientImage(size[0], size[1]))
		if err != nil {
			t.Fatalf("Encode %v failed: %v", size, err)
		}
		if len(feats.Tokens) != grid*grid+1 || feats.PatchCount() != grid*grid {
			t.Errorf("size %v: expected %d tokens, got %d", size, grid*grid+1, len(feats.Tokens))
		}
		if feats.Dim != testHidden {
			t.Errorf("expected dim %d, got %d", testHidden, feats.Dim)
		}
	}
}

func TestEncoder_Errors(t *testing.T) {
	pre := testPreprocessor(t)
	ln := onesLayerNorm(t, testHidden)
	good := make([][]float32, 5)
	for i := range good {
		good[i] = make([]float32, testHidden)
	}

	tests := []struct {
		name     string
		backbone *fakeBackbone
		img      image.Image
		wantPre  bool
	}{
		{"empty image", &fakeBackbone{tokens: good, hidden: testHidden}, image.NewRGBA(image.Rect(0, 0, 0, 0)), true},
		{"backbone failure", &fakeBackbone{err: errors.New("boom"), hidden: testHidden}, gradientImage(8, 8), false},
		{"wrong token count", &fakeBackbone{tokens: good[:3], hidden: testHidden}, gradientImage(8, 8), false},
		{"wrong width", &fakeBackbone{tokens: append([][]float32{{1}}, good[1:]...), hidden: testHidden}, gradientImage(8, 8), false},
		{"non-finite", &fakeBackbone{tokens: append([][]float32{{float32(math.NaN()), 0, 0, 0}}, good[1:]...), hidden: testHidden}, gradientImage(8, 8), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncoder(pre, tt.backbone, ln)
			if err != nil {
				t.Fatalf("NewEncoder failed: %v", err)
			}
			_, err = enc.Encode(tt.img)
			var pe *models.PreprocessingError
			var ee *models.EncodingError
			switch {
			case tt.wantPre && !errors.As(err, &pe):
				t.Errorf("expected PreprocessingError, got %v", err)
			case !tt.wantPre && !errors.As(err, &ee):
				t.Errorf("expected EncodingError, got %v", err)
			}
			if !models.IsPerImageError(err) {
				t.Error("encoder errors should be per-image")
			}
		})
	}
}

func TestNewEncoder_WidthMismatch(t *testing.T) {
	if _, err := NewEncoder(testPreprocessor(t), &fakeBackbone{hidden: 8}, onesLayerNorm(t, testHidden)); err == nil {
		t.Error("expected width mismatch error")
	}
}

func TestDecodeInput(t *testing.T) {
	img := gradientImage(3, 3)
	got, err := DecodeInput(&models.ImageInput{Image: img}, 1)
	if err != nil || got != img {
		t.Errorf("expected decoded image passthrough, got %v %v", got, err)
	}

	_, err = DecodeInput(&models.ImageInput{Data: []byte("nope")}, 0)
	var pe *models.PreprocessingError
	if !errors.As(err, &pe) {
		t.Errorf("expected PreprocessingError, got %v", err)
	}
	if _, err := DecodeInput(nil, 0); !errors.As(err, &pe) {
		t.Errorf("expected PreprocessingError for nil input, got %v", err)
	}
}
