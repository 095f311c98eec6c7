package document

import (
	"sort"
	"strings"
)

// FieldKind decides how a field is indexed and which operators apply.
type FieldKind int

const (
	// KindText is analyzed full text.
	KindText FieldKind = iota
	// KindKeyword is an exact, lowercased token.
	KindKeyword
	// KindDate is a timestamp supporting ranges.
	KindDate
)

// String returns the kind name.
func (k FieldKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindKeyword:
		return "keyword"
	case KindDate:
		return "date"
	default:
		return "unknown"
	}
}

// Canonical index field names.
const (
	FieldID          = "id"
	FieldSource      = "source"
	FieldTitle       = "title"
	FieldBody        = "body"
	FieldAuthor      = "author"
	FieldRecipients  = "recipients"
	FieldTags        = "tags"
	FieldCategory    = "category"
	FieldContentType = "content_type"
	FieldURL         = "url"
	FieldCreatedAt   = "created_at"
	FieldUpdatedAt   = "updated_at"

	// FieldTitleSort holds the lowercased title for alphabetical sorting.
	FieldTitleSort = "title_sort"
)

// Field describes one queryable field.
type Field struct {
	Name      string
	Kind      FieldKind
	Facetable bool
	Sortable  bool
	// Stored fields are returned with hits.
	Stored bool
	// Verbatim keyword values keep their case (ids, urls).
	Verbatim bool
}

// Schema is the immutable set of fields a query may reference.
type Schema struct {
	fields  map[string]Field
	aliases map[string]string
}

// DefaultSchema returns the schema every adapter produces.
// metadata is stored with the document but not declared, so it cannot be queried.
func DefaultSchema() *Schema {
	fields := []Field{
		{Name: FieldID, Kind: KindKeyword, Stored: true, Verbatim: true},
		{Name: FieldSource, Kind: KindKeyword, Facetable: true, Stored: true},
		{Name: FieldTitle, Kind: KindText, Stored: true},
		{Name: FieldBody, Kind: KindText, Stored: true},
		{Name: FieldAuthor, Kind: KindKeyword, Facetable: true, Stored: true},
		{Name: FieldRecipients, Kind: KindKeyword, Facetable: true, Stored: true},
		{Name: FieldTags, Kind: KindKeyword, Facetable: true, Stored: true},
		{Name: FieldCategory, Kind: KindKeyword, Facetable: true, Stored: true},
		{Name: FieldContentType, Kind: KindKeyword, Facetable: true, Stored: true},
		{Name: FieldURL, Kind: KindKeyword, Stored: true, Verbatim: true},
		{Name: FieldCreatedAt, Kind: KindDate, Sortable: true, Stored: true},
		{Name: FieldUpdatedAt, Kind: KindDate, Sortable: true, Stored: true},
	}

	s := &Schema{
		fields: make(map[string]Field, len(fields)),
		aliases: map[string]string{
			"createdat":   FieldCreatedAt,
			"updatedat":   FieldUpdatedAt,
			"contenttype": FieldContentType,
			"type":        FieldContentType,
			"tag":         FieldTags,
			"from":        FieldAuthor,
			"to":          FieldRecipients,
			"recipient":   FieldRecipients,
			"created":     FieldCreatedAt,
			"updated":     FieldUpdatedAt,
			"date":        FieldUpdatedAt,
		},
	}
	for _, f := range fields {
		s.fields[f.Name] = f
	}
	return s
}

// Lookup resolves a (possibly aliased, any-case) field name.
func (s *Schema) Lookup(name string) (Field, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if f, ok := s.fields[n]; ok {
		return f, true
	}
	if canon, ok := s.aliases[strings.ReplaceAll(n, "_", "")]; ok {
		return s.fields[canon], true
	}
	if canon, ok := s.aliases[n]; ok {
		return s.fields[canon], true
	}
	return Field{}, false
}

// Names returns canonical field names, sorted.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.fields))
	for n := range s.fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Fields returns all fields sorted by name.
func (s *Schema) Fields() []Field {
	out := make([]Field, 0, len(s.fields))
	for _, n := range s.Names() {
		out = append(out, s.fields[n])
	}
	return out
}

// FacetableNames returns the fields usable in facet requests.
func (s *Schema) FacetableNames() []string {
	var out []string
	for _, f := range s.Fields() {
		if f.Facetable {
			out = append(out, f.Name)
		}
	}
	return out
}

// TextFields returns the analyzed full-text fields.
func (s *Schema) TextFields() []string {
	var out []string
	for _, f := range s.Fields() {
		if f.Kind == KindText {
			out = append(out, f.Name)
		}
	}
	return out
}
