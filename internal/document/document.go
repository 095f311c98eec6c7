// Package document defines the canonical record every provider produces and
// the schema that decides which of its fields are queryable.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Aman-CERP/unisearch/internal/errors"
)

// ContentType classifies a document independently of its source.
type ContentType string

const (
	ContentEmail         ContentType = "email"
	ContentCalendarEvent ContentType = "calendar_event"
	ContentFile          ContentType = "file"
	ContentDocument      ContentType = "document"
	ContentMessage       ContentType = "message"
	ContentIssue         ContentType = "issue"
	ContentPullRequest   ContentType = "pull_request"
	ContentTask          ContentType = "task"
	ContentPage          ContentType = "page"
	ContentContact       ContentType = "contact"
	ContentOther         ContentType = "other"
)

var knownContentTypes = map[ContentType]bool{
	ContentEmail: true, ContentCalendarEvent: true, ContentFile: true,
	ContentDocument: true, ContentMessage: true, ContentIssue: true,
	ContentPullRequest: true, ContentTask: true, ContentPage: true,
	ContentContact: true, ContentOther: true,
}

// Valid reports whether t is one of the known content types.
func (t ContentType) Valid() bool {
	return knownContentTypes[t]
}

// Document is the unit of indexing.
type Document struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Author      string            `json:"author,omitempty"`
	Recipients  []string          `json:"recipients,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Category    string            `json:"category,omitempty"`
	ContentType ContentType       `json:"content_type,omitempty"`
	URL         string            `json:"url,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ContentHash string            `json:"content_hash"`
}

// Key returns the index key. (source, id) is unique across the index.
func (d Document) Key() string {
	return Key(d.Source, d.ID)
}

// Key joins a source and a source-native id. Sources never contain '/'.
func Key(source, id string) string {
	return source + "/" + id
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (source, id string, ok bool) {
	return strings.Cut(key, "/")
}

// ComputeHash digests title, body and updatedAt. Metadata is excluded, so
// metadata-only changes do not trigger reindexing.
func ComputeHash(title, body string, updatedAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(body))
	h.Write([]byte{0})
	h.Write([]byte(updatedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Limits bounds normalization.
type Limits struct {
	MaxBodyBytes int
	// Now supplies a timestamp for documents with neither date set.
	Now func() time.Time
}

// DefaultLimits returns a 1 MiB body limit.
func DefaultLimits() Limits {
	return Limits{MaxBodyBytes: 1 << 20, Now: time.Now}
}

// Normalize returns a canonical copy of doc with ContentHash set.
//
// Source and ID are required and Source must not contain '/'. Oversize
// bodies are truncated on a rune boundary, never rejected.
func Normalize(doc Document, lim Limits) (Document, error) {
	doc.Source = strings.ToLower(strings.TrimSpace(doc.Source))
	doc.ID = strings.TrimSpace(doc.ID)

	if doc.Source == "" {
		return Document{}, errors.New(errors.ErrCodeInvalidDocument, "document source is required", nil)
	}
	if strings.Contains(doc.Source, "/") {
		return Document{}, errors.New(errors.ErrCodeInvalidDocument, "document source must not contain '/'", nil).
			WithDetail("source", doc.Source)
	}
	if doc.ID == "" {
		return Document{}, errors.New(errors.ErrCodeInvalidDocument, "document id is required", nil).
			WithDetail("source", doc.Source)
	}

	doc.Title = strings.TrimSpace(strings.ToValidUTF8(doc.Title, "�"))
	doc.Body = strings.ToValidUTF8(doc.Body, "�")
	if lim.MaxBodyBytes > 0 && len(doc.Body) > lim.MaxBodyBytes {
		doc.Body = truncateUTF8(doc.Body, lim.MaxBodyBytes)
	}

	doc.Author = strings.ToLower(strings.TrimSpace(doc.Author))
	doc.Category = strings.ToLower(strings.TrimSpace(doc.Category))
	doc.Recipients = normalizeSet(doc.Recipients)
	doc.Tags = normalizeSet(doc.Tags)

	doc.ContentType = ContentType(strings.ToLower(string(doc.ContentType)))
	if doc.ContentType == "" || !doc.ContentType.Valid() {
		doc.ContentType = ContentOther
	}

	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	if doc.UpdatedAt.IsZero() {
		now := time.Now
		if lim.Now != nil {
			now = lim.Now
		}
		doc.UpdatedAt = now()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = doc.UpdatedAt
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()

	if len(doc.Metadata) > 0 {
		md := make(map[string]string, len(doc.Metadata))
		for k, v := range doc.Metadata {
			md[k] = v
		}
		doc.Metadata = md
	}

	doc.ContentHash = ComputeHash(doc.Title, doc.Body, doc.UpdatedAt)
	return doc, nil
}

// normalizeSet lowercases, trims, drops empties and dedupes, keeping order.
func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
