package ingest

import (
	"net/url"
	"strings"

	"github.com/HarsHvardhnn/content-summarization-schdl/internal/models"
)

// DetectType classifies an input as a URL when it parses with an http or
// https scheme, and as raw text otherwise.
func DetectType(input string) string {
	trimmed := strings.TrimSpace(input)
	if u, err := url.Parse(trimmed); err == nil {
		if (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			return models.TypeURL
		}
	}
	return models.TypeText
}
