package image

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/compliance-processor/internal/agent/document"
	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/retry"
)

type fakeTextract struct {
	detect    func(in *textract.DetectDocumentTextInput) (*textract.DetectDocumentTextOutput, error)
	getCalls  int
	getStatus []types.JobStatus
	blocks    []types.Block
}

func (f *fakeTextract) DetectDocumentText(_ context.Context, in *textract.DetectDocumentTextInput, _ ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error) {
	return f.detect(in)
}

func (f *fakeTextract) StartDocumentTextDetection(_ context.Context, in *textract.StartDocumentTextDetectionInput, _ ...func(*textract.Options)) (*textract.StartDocumentTextDetectionOutput, error) {
	return &textract.StartDocumentTextDetectionOutput{JobId: aws.String("tx-1")}, nil
}

func (f *fakeTextract) GetDocumentTextDetection(_ context.Context, in *textract.GetDocumentTextDetectionInput, _ ...func(*textract.Options)) (*textract.GetDocumentTextDetectionOutput, error) {
	status := f.getStatus[f.getCalls]
	f.getCalls++
	out := &textract.GetDocumentTextDetectionOutput{JobStatus: status}
	if status == types.JobStatusSucceeded {
		out.Blocks = f.blocks
	}
	return out, nil
}

func line(page int32, text string, conf float32) types.Block {
	return types.Block{
		BlockType:  types.BlockTypeLine,
		Page:       aws.Int32(page),
		Text:       aws.String(text),
		Confidence: aws.Float32(conf),
	}
}

func TestTextract_GroupsLinesByPage(t *testing.T) {
	fake := &fakeTextract{
		detect: func(in *textract.DetectDocumentTextInput) (*textract.DetectDocumentTextOutput, error) {
			return &textract.DetectDocumentTextOutput{Blocks: []types.Block{
				{BlockType: types.BlockTypePage, Page: aws.Int32(1)},
				line(1, "Article 5", 99),
				line(1, "smudge", 20),
				line(1, "Principles", 95),
				{BlockType: types.BlockTypeWord, Text: aws.String("Article"), Page: aws.Int32(1)},
			}}, nil
		},
	}
	p := NewTextractProcessorWithClient(fake, &TextractConfig{MinConfidence: 80}, logger.NewTestLogger())

	res, err := p.ExtractText(context.Background(), document.Input{Data: []byte("img"), MediaType: "image/png"})
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)
	assert.Equal(t, "Article 5\nPrinciples", res.Pages[0].Text)
	assert.Equal(t, "textract", res.Provider)
}

func TestTextract_AsyncPDF(t *testing.T) {
	fake := &fakeTextract{
		getStatus: []types.JobStatus{types.JobStatusInProgress, types.JobStatusSucceeded},
		blocks:    []types.Block{line(1, "page one", 99), line(2, "page two", 99)},
	}
	p := NewTextractProcessorWithClient(fake, &TextractConfig{
		Bucket:       "uploads",
		PollInterval: time.Millisecond,
	}, logger.NewTestLogger())

	res, err := p.ExtractText(context.Background(), document.Input{MediaType: "application/pdf", StorageKey: "docs/a.pdf"})
	require.NoError(t, err)
	require.Len(t, res.Pages, 2)
	assert.Equal(t, "page two", res.Pages[1].Text)
	assert.Equal(t, 2, fake.getCalls)
}

func TestTextract_ErrorClassification(t *testing.T) {
	cases := []struct {
		code      string
		retryable bool
	}{
		{"ThrottlingException", true},
		{"ProvisionedThroughputExceededException", true},
		{"InternalServerError", true},
		{"UnsupportedDocumentException", false},
		{"BadDocumentException", false},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			fake := &fakeTextract{detect: func(*textract.DetectDocumentTextInput) (*textract.DetectDocumentTextOutput, error) {
				return nil, &smithy.GenericAPIError{Code: tc.code, Message: "nope"}
			}}
			p := NewTextractProcessorWithClient(fake, &TextractConfig{}, logger.NewTestLogger())
			_, err := p.ExtractText(context.Background(), document.Input{MediaType: "image/png"})

			var remote *apperr.RemoteError
			require.True(t, errors.As(err, &remote))
			assert.Equal(t, tc.retryable, retry.IsRetryable(err))
		})
	}
}

func TestTextract_NetworkErrorIsRetryable(t *testing.T) {
	fake := &fakeTextract{detect: func(*textract.DetectDocumentTextInput) (*textract.DetectDocumentTextOutput, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	p := NewTextractProcessorWithClient(fake, &TextractConfig{}, logger.NewTestLogger())
	_, err := p.ExtractText(context.Background(), document.Input{MediaType: "image/png"})

	var remote *apperr.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, 0, remote.StatusCode())
	assert.True(t, retry.IsRetryable(err))
	assert.NotEqual(t, http.StatusBadRequest, remote.StatusCode())
}
