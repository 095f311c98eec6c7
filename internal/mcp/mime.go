package mcp

import (
	"net/url"
	"path"
	"strings"

	"github.com/Aman-CERP/unisearch/internal/document"
)

// extMIME maps the file extensions providers commonly link to.
var extMIME = map[string]string{
	".md":   "text/markdown",
	".mdx":  "text/markdown",
	".txt":  "text/plain",
	".rst":  "text/x-rst",
	".html": "text/html",
	".htm":  "text/html",
	".json": "application/json",
	".yaml": "text/x-yaml",
	".yml":  "text/x-yaml",
	".toml": "text/x-toml",
	".csv":  "text/csv",
	".pdf":  "application/pdf",
	".eml":  "message/rfc822",
	".ics":  "text/calendar",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".ts":   "text/typescript",
	".js":   "text/javascript",
}

// contentMIME is the fallback per content type.
var contentMIME = map[document.ContentType]string{
	document.ContentEmail:         "message/rfc822",
	document.ContentCalendarEvent: "text/calendar",
	document.ContentPage:          "text/html",
	document.ContentIssue:         "text/markdown",
	document.ContentPullRequest:   "text/markdown",
	document.ContentContact:       "text/vcard",
}

// MimeTypeForHit picks a MIME type from the document URL's extension,
// falling back to the content type and then text/plain.
func MimeTypeForHit(ct document.ContentType, rawURL string) string {
	if rawURL != "" {
		p := rawURL
		if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
			p = u.Path
		}
		if mime, ok := extMIME[strings.ToLower(path.Ext(p))]; ok {
			return mime
		}
	}
	if mime, ok := contentMIME[ct]; ok {
		return mime
	}
	return "text/plain"
}
