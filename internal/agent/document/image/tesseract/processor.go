// Package tesseract is the local OCR provider, backed by gosseract.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"
	_ "golang.org/x/image/tiff"

	"github.com/feichai0017/compliance-processor/internal/agent/document"
	preprocess "github.com/feichai0017/compliance-processor/internal/agent/document/image"
	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

const tesseractProvider = "tesseract"

type Config struct {
	Languages     []string                    `yaml:"languages"`
	PageSegMode   int                         `yaml:"pageSegMode"`
	MinConfidence float64                     `yaml:"minConfidence"`
	Preprocess    preprocess.PreprocessConfig `yaml:"preprocess"`
}

func DefaultConfig() Config {
	return Config{
		Languages:     []string{"eng"},
		PageSegMode:   int(gosseract.PSM_AUTO),
		MinConfidence: 60,
		Preprocess:    preprocess.DefaultPreprocessConfig(),
	}
}

// Processor is the local OCR provider. Each call gets its own Tesseract
// client since gosseract clients are not safe for concurrent use.
type Processor struct {
	logger        logger.Logger
	preprocessors []preprocess.Preprocessor
	config        Config
}

func NewProcessor(log logger.Logger, cfg Config) (*Processor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"eng"}
	}
	return &Processor{
		logger:        log.Named(tesseractProvider),
		preprocessors: preprocess.NewPipeline(cfg.Preprocess),
		config:        cfg,
	}, nil
}

func (p *Processor) Name() string { return tesseractProvider }

func (p *Processor) Supports(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg", "image/png", "image/tiff":
		return true
	}
	return false
}

func (p *Processor) ExtractText(ctx context.Context, in document.Input) (*document.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(in.Data))
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "failed to decode image", err)
	}

	processed, err := preprocess.Apply(img, p.preprocessors)
	if err != nil {
		return nil, err
	}

	text, confidence, err := p.recognize(processed)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Recognized image",
		logger.Int("chars", len(text)),
		logger.Float64("wordConfidence", confidence),
	)

	return &document.Result{
		Provider: tesseractProvider,
		Pages:    []document.Page{{Number: 1, Text: text}},
	}, nil
}

// recognize returns the text of the words at or above MinConfidence and
// their mean confidence.
func (p *Processor) recognize(img image.Image) (string, float64, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(p.config.Languages...); err != nil {
		return "", 0, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PageSegMode(p.config.PageSegMode)); err != nil {
		return "", 0, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		return "", 0, fmt.Errorf("failed to encode image: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", 0, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxesVerbose()
	if err != nil {
		p.logger.Warn("Failed to get bounding boxes, using plain text", logger.Error(err))
		text, err := client.Text()
		if err != nil {
			return "", 0, fmt.Errorf("failed to get text: %w", err)
		}
		return text, 0, nil
	}
	text, confidence := p.postProcess(boxes)
	return text, confidence, nil
}

// postProcess rebuilds the text from word boxes, keeping Tesseract's
// block/paragraph/line structure as newlines.
func (p *Processor) postProcess(boxes []gosseract.BoundingBox) (string, float64) {
	var (
		b     strings.Builder
		total float64
		kept  int
		last  *gosseract.BoundingBox
	)
	for i := range boxes {
		box := &boxes[i]
		if box.Confidence < p.config.MinConfidence || strings.TrimSpace(box.Word) == "" {
			continue
		}
		if last != nil {
			switch {
			case box.BlockNum != last.BlockNum || box.ParNum != last.ParNum:
				b.WriteString("\n\n")
			case box.LineNum != last.LineNum:
				b.WriteString("\n")
			default:
				b.WriteString(" ")
			}
		}
		b.WriteString(box.Word)
		total += box.Confidence
		kept++
		last = box
	}
	if kept == 0 {
		return "", 0
	}
	return b.String(), total / float64(kept)
}
