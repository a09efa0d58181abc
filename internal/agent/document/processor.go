package document

import (
	"context"
	"strings"

	"github.com/feichai0017/compliance-processor/internal/apperr"
)

// ErrNoText is returned by a provider that ran but found nothing to extract,
// e.g. a scanned PDF without a text layer. The registry then tries the next
// provider for the media type.
var ErrNoText = apperr.New(apperr.KindPermanentRemote, "no extractable text", nil)

type Input struct {
	Data       []byte
	MediaType  string
	StorageKey string
}

type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

type Result struct {
	Pages    []Page `json:"pages"`
	Provider string `json:"provider"`
}

// Text joins the pages with a blank line so page boundaries read as
// paragraph breaks.
func (r *Result) Text() string {
	parts := make([]string, 0, len(r.Pages))
	for _, p := range r.Pages {
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Provider extracts text from one document. Remote failures are reported as
// *apperr.RemoteError so the retry classifier can tell transient from
// permanent.
type Provider interface {
	Name() string
	Supports(mediaType string) bool
	ExtractText(ctx context.Context, in Input) (*Result, error)
}
