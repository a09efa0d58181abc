package image

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/aws/smithy-go"

	"github.com/feichai0017/compliance-processor/internal/agent/document"
	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

const textractProvider = "textract"

// TextractAPI is the subset of the Textract client the provider calls.
type TextractAPI interface {
	DetectDocumentText(ctx context.Context, in *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
	StartDocumentTextDetection(ctx context.Context, in *textract.StartDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.StartDocumentTextDetectionOutput, error)
	GetDocumentTextDetection(ctx context.Context, in *textract.GetDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.GetDocumentTextDetectionOutput, error)
}

type TextractConfig struct {
	Region        string  `yaml:"region"`
	Endpoint      string  `yaml:"endpoint"`
	AccessKey     string  `yaml:"accessKey"`
	SecretKey     string  `yaml:"secretKey"`
	MinConfidence float32 `yaml:"minConfidence"`
	// Bucket holding uploaded blobs. When set, multi-page PDFs go through
	// the asynchronous S3-backed API instead of the single-page sync call.
	Bucket       string        `yaml:"bucket"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

type TextractProcessor struct {
	client TextractAPI
	logger logger.Logger
	config *TextractConfig
}

// NewTextractProcessor builds a client with SDK retries disabled; callers
// wrap ExtractText in retry.Do.
func NewTextractProcessor(ctx context.Context, cfg *TextractConfig, log logger.Logger) (*TextractProcessor, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewTextractProcessorWithClient(client, cfg, log), nil
}

func NewTextractProcessorWithClient(client TextractAPI, cfg *TextractConfig, log logger.Logger) *TextractProcessor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &TextractProcessor{
		client: client,
		logger: log.Named(textractProvider),
		config: cfg,
	}
}

func (p *TextractProcessor) Name() string { return textractProvider }

func (p *TextractProcessor) Supports(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg", "image/png", "image/tiff", "application/pdf":
		return true
	}
	return false
}

func (p *TextractProcessor) ExtractText(ctx context.Context, in document.Input) (*document.Result, error) {
	if in.MediaType == "application/pdf" && p.config.Bucket != "" && in.StorageKey != "" {
		return p.extractAsync(ctx, in.StorageKey)
	}

	out, err := p.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: in.Data},
	})
	if err != nil {
		return nil, toRemoteError(err)
	}
	return p.resultFromBlocks(out.Blocks), nil
}

// extractAsync starts a text detection job on the stored object and polls
// until it finishes or ctx expires.
func (p *TextractProcessor) extractAsync(ctx context.Context, key string) (*document.Result, error) {
	start, err := p.client.StartDocumentTextDetection(ctx, &textract.StartDocumentTextDetectionInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{
				Bucket: aws.String(p.config.Bucket),
				Name:   aws.String(key),
			},
		},
	})
	if err != nil {
		return nil, toRemoteError(err)
	}
	jobID := aws.ToString(start.JobId)
	p.logger.Debug("Started text detection", logger.String("textractJobId", jobID))

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		var (
			blocks    []types.Block
			nextToken *string
			status    types.JobStatus
		)
		for {
			out, err := p.client.GetDocumentTextDetection(ctx, &textract.GetDocumentTextDetectionInput{
				JobId:     aws.String(jobID),
				NextToken: nextToken,
			})
			if err != nil {
				return nil, toRemoteError(err)
			}
			status = out.JobStatus
			if status != types.JobStatusSucceeded && status != types.JobStatusPartialSuccess {
				break
			}
			blocks = append(blocks, out.Blocks...)
			if out.NextToken == nil {
				break
			}
			nextToken = out.NextToken
		}

		switch status {
		case types.JobStatusSucceeded, types.JobStatusPartialSuccess:
			return p.resultFromBlocks(blocks), nil
		case types.JobStatusFailed:
			return nil, apperr.NewRemoteError(textractProvider, http.StatusUnprocessableEntity,
				"text detection job "+jobID+" failed", nil)
		}
	}
}

// resultFromBlocks groups LINE blocks by page, dropping lines below the
// configured confidence.
func (p *TextractProcessor) resultFromBlocks(blocks []types.Block) *document.Result {
	byPage := make(map[int][]string)
	maxPage := 0
	for _, block := range blocks {
		if block.BlockType == types.BlockTypePage {
			if n := pageOf(block); n > maxPage {
				maxPage = n
			}
			continue
		}
		if block.BlockType != types.BlockTypeLine || block.Text == nil {
			continue
		}
		if block.Confidence != nil && *block.Confidence < p.config.MinConfidence {
			continue
		}
		n := pageOf(block)
		byPage[n] = append(byPage[n], *block.Text)
		if n > maxPage {
			maxPage = n
		}
	}

	res := &document.Result{Provider: textractProvider, Pages: make([]document.Page, 0, maxPage)}
	for n := 1; n <= maxPage; n++ {
		res.Pages = append(res.Pages, document.Page{Number: n, Text: strings.Join(byPage[n], "\n")})
	}
	return res
}

func pageOf(b types.Block) int {
	if b.Page == nil || *b.Page < 1 {
		return 1
	}
	return int(*b.Page)
}

// toRemoteError maps SDK failures onto the typed error the retry classifier
// understands. Failures without an HTTP response keep status 0 (retryable).
func toRemoteError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	msg := err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ProvisionedThroughputExceededException", "LimitExceededException":
			status = http.StatusTooManyRequests
		case "InternalServerError":
			if status == 0 {
				status = http.StatusInternalServerError
			}
		case "InvalidParameterException", "UnsupportedDocumentException", "BadDocumentException",
			"DocumentTooLargeException", "InvalidS3ObjectException", "AccessDeniedException":
			if status == 0 || status >= 500 {
				status = http.StatusBadRequest
			}
		}
	}
	return apperr.NewRemoteError(textractProvider, status, msg, err)
}
