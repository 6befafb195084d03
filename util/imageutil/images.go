package imageutil

import (
	"bytes"
	"image"
	"math/rand"

	"github.com/graft-ml/graft/util"
)

func LoadImagesFromPaths(paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))

	for _, path := range paths {
		b, err := util.ReadFileBytes(path)
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

type ResizePreprocessor struct {
	targetSize int
}

// ResizeStep scales the shorter side of the image to targetSize, preserving
// the aspect ratio.
func ResizeStep(targetSize int) *ResizePreprocessor {
	return &ResizePreprocessor{targetSize: targetSize}
}

func (s *ResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	var newW, newH int
	if w < h {
		newW = s.targetSize
		newH = int(float32(h) * float32(s.targetSize) / float32(w))
	} else {
		newH = s.targetSize
		newW = int(float32(w) * float32(s.targetSize) / float32(h))
	}
	return resizeImage(img, newW, newH), nil
}

func CenterCropStep(targetWidth, targetHeight int) *CenterCropPreprocessor {
	return &CenterCropPreprocessor{targetWidth: targetWidth, targetHeight: targetHeight}
}

type CenterCropPreprocessor struct {
	targetWidth  int
	targetHeight int
}

func (s *CenterCropPreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	x0 := bounds.Min.X + (bounds.Dx()-s.targetWidth)/2
	y0 := bounds.Min.Y + (bounds.Dy()-s.targetHeight)/2
	return crop(img, x0, y0, s.targetWidth, s.targetHeight), nil
}

// RandomCropStep crops a random window of the target size, drawing offsets
// from rng independently per image. The window degenerates to a top-left
// crop when the image is not larger than the target.
func RandomCropStep(rng *rand.Rand, targetWidth, targetHeight int) *RandomCropPreprocessor {
	return &RandomCropPreprocessor{rng: rng, targetWidth: targetWidth, targetHeight: targetHeight}
}

type RandomCropPreprocessor struct {
	rng          *rand.Rand
	targetWidth  int
	targetHeight int
}

func (s *RandomCropPreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	maxX := bounds.Dx() - s.targetWidth
	maxY := bounds.Dy() - s.targetHeight
	var dx, dy int
	if maxX > 0 {
		dx = s.rng.Intn(maxX + 1)
	}
	if maxY > 0 {
		dy = s.rng.Intn(maxY + 1)
	}
	return crop(img, bounds.Min.X+dx, bounds.Min.Y+dy, s.targetWidth, s.targetHeight), nil
}

// RandomMirrorStep flips the image horizontally with probability 1/2,
// independently per image.
func RandomMirrorStep(rng *rand.Rand) *RandomMirrorPreprocessor {
	return &RandomMirrorPreprocessor{rng: rng}
}

type RandomMirrorPreprocessor struct {
	rng *rand.Rand
}

func (s *RandomMirrorPreprocessor) Apply(img image.Image) (image.Image, error) {
	if s.rng.Intn(2) == 0 {
		return img, nil
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(w-1-x, y, img.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}
	return dst, nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

func ImagenetPixelNormalizationStep() *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{
		mean: [3]float32{0.485, 0.456, 0.406},
		std:  [3]float32{0.229, 0.224, 0.225},
	}
}

type RescalePreprocessor struct{}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	scale := float32(1.0 / 255.0)
	return r * scale, g * scale, b * scale
}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}

// ToNHWC flattens an image into float32 channels-last pixel data after
// applying the normalization chain.
func ToNHWC(img image.Image, steps []NormalizationStep) []float32 {
	bounds := img.Bounds()
	h, w := bounds.Dy(), bounds.Dx()
	out := make([]float32, 0, h*w*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rf := float32(r >> 8)
			gf := float32(g >> 8)
			bf := float32(b >> 8)
			for _, step := range steps {
				rf, gf, bf = step.Apply(rf, gf, bf)
			}
			out = append(out, rf, gf, bf)
		}
	}
	return out
}

func crop(img image.Image, x0, y0, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(x, y, img.At(x0+x, y0+y))
		}
	}
	return dst
}

// resizeImage resizes an image to the given width and height using nearest neighbor (simple, replace with better if needed).
func resizeImage(img image.Image, newW, newH int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	srcBounds := img.Bounds()
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			srcX := srcBounds.Min.X + x*srcBounds.Dx()/newW
			srcY := srcBounds.Min.Y + y*srcBounds.Dy()/newH
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}
