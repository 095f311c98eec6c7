package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Aman-CERP/unisearch/internal/document"
)

// toIndexable flattens a document into the field map bleve indexes.
func toIndexable(doc *document.Document) (map[string]interface{}, error) {
	m := map[string]interface{}{
		document.FieldID:          doc.ID,
		document.FieldSource:      doc.Source,
		document.FieldTitle:       doc.Title,
		document.FieldBody:        doc.Body,
		document.FieldContentType: string(doc.ContentType),
		document.FieldCreatedAt:   doc.CreatedAt,
		document.FieldUpdatedAt:   doc.UpdatedAt,
		document.FieldTitleSort:   strings.ToLower(doc.Title),
		fieldContentHash:          doc.ContentHash,
	}
	if doc.Author != "" {
		m[document.FieldAuthor] = doc.Author
	}
	if len(doc.Recipients) > 0 {
		m[document.FieldRecipients] = doc.Recipients
	}
	if len(doc.Tags) > 0 {
		m[document.FieldTags] = doc.Tags
	}
	if doc.Category != "" {
		m[document.FieldCategory] = doc.Category
	}
	if doc.URL != "" {
		m[document.FieldURL] = doc.URL
	}
	if len(doc.Metadata) > 0 {
		data, err := json.Marshal(doc.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata for %s: %w", doc.Key(), err)
		}
		m[fieldMetadataJSON] = string(data)
	}
	return m, nil
}

// FromStored rebuilds a document from stored hit fields.
func FromStored(fields map[string]interface{}) document.Document {
	doc := document.Document{
		ID:          stringField(fields, document.FieldID),
		Source:      stringField(fields, document.FieldSource),
		Title:       stringField(fields, document.FieldTitle),
		Body:        stringField(fields, document.FieldBody),
		Author:      stringField(fields, document.FieldAuthor),
		Recipients:  stringsField(fields, document.FieldRecipients),
		Tags:        stringsField(fields, document.FieldTags),
		Category:    stringField(fields, document.FieldCategory),
		ContentType: document.ContentType(stringField(fields, document.FieldContentType)),
		URL:         stringField(fields, document.FieldURL),
		CreatedAt:   TimeField(fields, document.FieldCreatedAt),
		UpdatedAt:   TimeField(fields, document.FieldUpdatedAt),
		ContentHash: stringField(fields, fieldContentHash),
	}
	if raw := stringField(fields, fieldMetadataJSON); raw != "" {
		var md map[string]string
		if err := json.Unmarshal([]byte(raw), &md); err == nil {
			doc.Metadata = md
		}
	}
	return doc
}

func stringField(fields map[string]interface{}, name string) string {
	switch v := fields[name].(type) {
	case string:
		return v
	case []interface{}:
		if len(v) > 0 {
			s, _ := v[0].(string)
			return s
		}
	}
	return ""
}

// stringsField handles bleve returning a bare string for single-valued arrays.
func stringsField(fields map[string]interface{}, name string) []string {
	switch v := fields[name].(type) {
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// TimeField parses a stored date field. Bleve returns dates as RFC3339 strings.
func TimeField(fields map[string]interface{}, name string) time.Time {
	s := stringField(fields, name)
	if s == "" {
		if t, ok := fields[name].(time.Time); ok {
			return t
		}
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
