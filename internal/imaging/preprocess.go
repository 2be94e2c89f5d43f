package imaging

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
	xdraw "golang.org/x/image/draw"
)

// ResizeMode selects how an image is brought to the square input resolution.
type ResizeMode int

const (
	// ShortestSideCrop resizes the shortest side to the target and centre-crops
	// the other (CLIP-style recipes).
	ShortestSideCrop ResizeMode = iota
	// Stretch resizes both sides to the target, ignoring aspect ratio.
	Stretch
)

// Recipe is a backbone's canonical preprocessing. Mean and Std are per RGB channel
// on the [0,1] scale.
type Recipe struct {
	Name      string
	ImageSize int
	PatchSize int
	Hidden    int
	Mode      ResizeMode
	Interp    resize.InterpolationFunction
	Mean      [3]float32
	Std       [3]float32
}

var clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
var clipStd = [3]float32{0.26862954, 0.26130258, 0.27577711}

var recipes = map[string]Recipe{
	"openai/clip-vit-base-patch32": {
		Name: "openai/clip-vit-base-patch32", ImageSize: 224, PatchSize: 32, Hidden: 768,
		Mode: ShortestSideCrop, Interp: resize.Bicubic, Mean: clipMean, Std: clipStd,
	},
	"eva-clip-g-14": {
		Name: "eva-clip-g-14", ImageSize: 448, PatchSize: 14, Hidden: 1408,
		Mode: ShortestSideCrop, Interp: resize.Bicubic, Mean: clipMean, Std: clipStd,
	},
	"google/vit-base-patch16-224": {
		Name: "google/vit-base-patch16-224", ImageSize: 224, PatchSize: 16, Hidden: 768,
		Mode: Stretch, Interp: resize.Bilinear,
		Mean: [3]float32{0.5, 0.5, 0.5}, Std: [3]float32{0.5, 0.5, 0.5},
	},
}

// LookupRecipe returns the preprocessing recipe for a backbone identifier.
func LookupRecipe(backbone string) (Recipe, error) {
	r, ok := recipes[backbone]
	if !ok {
		return Recipe{}, fmt.Errorf("unknown backbone %q", backbone)
	}
	return r, nil
}

// WithGeometry returns a copy of r using the given image and patch size when they are positive.
func (r Recipe) WithGeometry(imageSize, patchSize int) Recipe {
	if imageSize > 0 {
		r.ImageSize = imageSize
	}
	if patchSize > 0 {
		r.PatchSize = patchSize
	}
	return r
}

// GridSize returns the number of patches per side.
func (r Recipe) GridSize() int {
	return r.ImageSize / r.PatchSize
}

// Tensor is a CHW float32 image tensor with a leading batch of one.
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// Shape returns the NCHW shape.
func (t *Tensor) Shape() []int64 {
	return []int64{1, int64(t.Channels), int64(t.Height), int64(t.Width)}
}

// At returns the value at channel c, row y, column x.
func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.Height+y)*t.Width+x]
}

// Preprocessor turns decoded images into normalized tensors for one recipe.
// It holds no mutable state and is safe for concurrent use.
type Preprocessor struct {
	recipe Recipe
}

// NewPreprocessor validates the recipe geometry.
func NewPreprocessor(r Recipe) (*Preprocessor, error) {
	if r.ImageSize <= 0 || r.PatchSize <= 0 {
		return nil, fmt.Errorf("invalid recipe geometry %dx%d", r.ImageSize, r.PatchSize)
	}
	if r.ImageSize%r.PatchSize != 0 {
		return nil, fmt.Errorf("image size %d is not a multiple of patch size %d", r.ImageSize, r.PatchSize)
	}
	for c := 0; c < 3; c++ {
		if r.Std[c] == 0 {
			return nil, fmt.Errorf("recipe %q has zero std for channel %d", r.Name, c)
		}
	}
	return &Preprocessor{recipe: r}, nil
}

// Recipe returns the recipe in use.
func (p *Preprocessor) Recipe() Recipe {
	return p.recipe
}

// Preprocess converts img to RGB, resizes it per the recipe and normalizes it
// into a 3×S×S tensor.
func (p *Preprocessor) Preprocess(img image.Image) (*Tensor, error) {
	if img == nil {
		return nil, ErrEmptyImage
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrEmptyImage
	}
	rgb := ToRGB(img)
	size := p.recipe.ImageSize

	var square *image.RGBA
	switch p.recipe.Mode {
	case Stretch:
		square = toRGBA(resize.Resize(uint(size), uint(size), rgb, p.recipe.Interp))
	default:
		w, h := scaleShortestSide(b.Dx(), b.Dy(), size)
		resized := resize.Resize(uint(w), uint(h), rgb, p.recipe.Interp)
		square = centerCrop(resized, size)
	}
	return p.normalize(square), nil
}

func (p *Preprocessor) normalize(img *image.RGBA) *Tensor {
	size := p.recipe.ImageSize
	t := &Tensor{Channels: 3, Height: size, Width: size, Data: make([]float32, 3*size*size)}
	plane := size * size
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			idx := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255.0
				t.Data[c*plane+idx] = (v - p.recipe.Mean[c]) / p.recipe.Std[c]
			}
		}
	}
	return t
}

// scaleShortestSide returns dimensions with the shortest side equal to target
// and the other side scaled proportionally, truncated as the CLIP image
// processor does (at least target).
func scaleShortestSide(w, h, target int) (int, int) {
	if w <= h {
		nh := target * h / w
		if nh < target {
			nh = target
		}
		return target, nh
	}
	nw := target * w / h
	if nw < target {
		nw = target
	}
	return nw, target
}

func centerCrop(img image.Image, size int) *image.RGBA {
	b := img.Bounds()
	x0 := b.Min.X + (b.Dx()-size)/2
	y0 := b.Min.Y + (b.Dy()-size)/2
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.Copy(dst, image.Point{}, img, image.Rect(x0, y0, x0+size, y0+size), xdraw.Src, nil)
	return dst
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Copy(dst, image.Point{}, img, b, xdraw.Src, nil)
	return dst
}
