package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Aman-CERP/unisearch/internal/document"
)

func TestMimeTypeForHit(t *testing.T) {
	tests := []struct {
		name string
		ct   document.ContentType
		url  string
		want string
	}{
		{"markdown file", document.ContentFile, "file:///notes/plan.md", "text/markdown"},
		{"url with query", document.ContentDocument, "https://example.com/report.pdf?dl=1", "application/pdf"},
		{"uppercase ext", document.ContentFile, "/tmp/README.TXT", "text/plain"},
		{"email fallback", document.ContentEmail, "", "message/rfc822"},
		{"issue without ext", document.ContentIssue, "https://github.com/o/r/issues/1", "text/markdown"},
		{"unknown", document.ContentOther, "", "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MimeTypeForHit(tt.ct, tt.url))
		})
	}
}
