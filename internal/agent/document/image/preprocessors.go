// Package image holds the raster preprocessing pipeline and the AWS
// Textract OCR provider.
package image

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
)

// Preprocessor is one step of the image cleanup pipeline run before OCR.
type Preprocessor interface {
	Process(img image.Image) (image.Image, error)
}

type PreprocessConfig struct {
	MaxWidth          int     `yaml:"maxWidth"`
	DenoiseStrength   float64 `yaml:"denoiseStrength"`
	Contrast          float64 `yaml:"contrast"`
	SharpenStrength   float64 `yaml:"sharpenStrength"`
	AdaptiveBlockSize int     `yaml:"adaptiveBlockSize"`
	AdaptiveConstant  float64 `yaml:"adaptiveConstant"`
}

func DefaultPreprocessConfig() PreprocessConfig {
	return PreprocessConfig{
		MaxWidth:          2480, // A4 at 300 dpi
		DenoiseStrength:   0.5,
		Contrast:          20,
		SharpenStrength:   0.5,
		AdaptiveBlockSize: 11,
		AdaptiveConstant:  2,
	}
}

// NewPipeline builds the default cleanup chain. Zero strengths skip a step.
func NewPipeline(cfg PreprocessConfig) []Preprocessor {
	steps := []Preprocessor{NewResizeProcessor(cfg.MaxWidth), NewGrayscaleProcessor()}
	if cfg.DenoiseStrength > 0 {
		steps = append(steps, NewDenoiseProcessor(cfg.DenoiseStrength))
	}
	if cfg.Contrast != 0 {
		steps = append(steps, NewContrastProcessor(cfg.Contrast))
	}
	if cfg.SharpenStrength > 0 {
		steps = append(steps, NewSharpenProcessor(cfg.SharpenStrength))
	}
	if cfg.AdaptiveBlockSize > 1 {
		steps = append(steps, NewAdaptiveThresholdProcessor(cfg.AdaptiveBlockSize, cfg.AdaptiveConstant))
	}
	return steps
}

func Apply(img image.Image, steps []Preprocessor) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}
	var err error
	for _, step := range steps {
		img, err = step.Process(img)
		if err != nil {
			return nil, fmt.Errorf("preprocessing failed: %w", err)
		}
		if img == nil {
			return nil, fmt.Errorf("preprocessor returned nil image")
		}
	}
	return img, nil
}

// 缩放处理器
type ResizeProcessor struct {
	maxWidth int
}

func NewResizeProcessor(maxWidth int) *ResizeProcessor {
	return &ResizeProcessor{maxWidth: maxWidth}
}

func (p *ResizeProcessor) Process(img image.Image) (image.Image, error) {
	if p.maxWidth <= 0 || img.Bounds().Dx() <= p.maxWidth {
		return img, nil
	}
	return imaging.Resize(img, p.maxWidth, 0, imaging.Lanczos), nil
}

// 灰度处理器
type GrayscaleProcessor struct{}

func NewGrayscaleProcessor() *GrayscaleProcessor {
	return &GrayscaleProcessor{}
}

func (p *GrayscaleProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

// 降噪处理器
type DenoiseProcessor struct {
	strength float64
}

func NewDenoiseProcessor(strength float64) *DenoiseProcessor {
	return &DenoiseProcessor{strength: strength}
}

func (p *DenoiseProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Blur(img, p.strength), nil
}

type ContrastProcessor struct {
	amount float64
}

func NewContrastProcessor(amount float64) *ContrastProcessor {
	return &ContrastProcessor{amount: amount}
}

func (p *ContrastProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.AdjustContrast(img, p.amount), nil
}

// 锐化处理器
type SharpenProcessor struct {
	strength float64
}

func NewSharpenProcessor(strength float64) *SharpenProcessor {
	return &SharpenProcessor{strength: strength}
}

func (p *SharpenProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Sharpen(img, p.strength), nil
}

// 自适应阈值处理器. Uses a summed-area table so each pixel's local mean is O(1).
type AdaptiveThresholdProcessor struct {
	blockSize int
	constant  float64
}

func NewAdaptiveThresholdProcessor(blockSize int, constant float64) *AdaptiveThresholdProcessor {
	return &AdaptiveThresholdProcessor{blockSize: blockSize, constant: constant}
}

func (p *AdaptiveThresholdProcessor) Process(img image.Image) (image.Image, error) {
	gray := imaging.Grayscale(img)
	bounds := gray.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	integral := make([]int64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var row int64
		for x := 0; x < w; x++ {
			row += int64(gray.Pix[y*gray.Stride+x*4])
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + row
		}
	}

	result := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(result, result.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	half := p.blockSize / 2
	for y := 0; y < h; y++ {
		y0, y1 := clamp(y-half, 0, h-1), clamp(y+half, 0, h-1)
		for x := 0; x < w; x++ {
			x0, x1 := clamp(x-half, 0, w-1), clamp(x+half, 0, w-1)
			count := int64((x1 - x0 + 1) * (y1 - y0 + 1))
			sum := integral[(y1+1)*(w+1)+x1+1] - integral[y0*(w+1)+x1+1] -
				integral[(y1+1)*(w+1)+x0] + integral[y0*(w+1)+x0]
			mean := float64(sum) / float64(count)
			if float64(gray.Pix[y*gray.Stride+x*4]) < mean-p.constant {
				result.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return result, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
