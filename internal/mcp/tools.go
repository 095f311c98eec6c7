package mcp

// SearchInput defines the input schema for the search tool.
type SearchInput struct {
	Query        string        `json:"query" jsonschema:"search query; supports AND/OR/NOT, quoted phrases, field:value, term~N fuzzy and date ranges"`
	Sources      []string      `json:"sources,omitempty" jsonschema:"restrict to these provider sources"`
	ContentTypes []string      `json:"content_types,omitempty" jsonschema:"restrict to content types such as email, issue, file, message"`
	Filters      []FilterInput `json:"filters,omitempty" jsonschema:"structured field filters, ANDed with the query"`
	Facets       []string      `json:"facets,omitempty" jsonschema:"facetable fields to count, e.g. source, author, tags"`
	Sort         string        `json:"sort,omitempty" jsonschema:"relevance (default), date_desc, date_asc or alphabetical"`
	Limit        int           `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
	Offset       int           `json:"offset,omitempty" jsonschema:"number of results to skip"`
	Fuzziness    int           `json:"fuzziness,omitempty" jsonschema:"edit distance 0-2 applied to every term"`
	SessionID    string        `json:"session_id,omitempty" jsonschema:"caller session for analytics"`
}

// FilterInput is one structured filter.
type FilterInput struct {
	Field  string   `json:"field" jsonschema:"field name"`
	Op     string   `json:"op" jsonschema:"eq, neq, contains, prefix, in, exists, gt, gte, lt, lte or range"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

// SearchOutput defines the output schema for the search tool.
type SearchOutput struct {
	Query        string                 `json:"query"`
	TotalMatched uint64                 `json:"total_matched"`
	TookMs       float64                `json:"took_ms"`
	CacheHit     bool                   `json:"cache_hit"`
	Partial      bool                   `json:"partial" jsonschema:"true when some providers failed during the last sync"`
	Results      []SearchResultOutput   `json:"results"`
	Facets       map[string][]FacetItem `json:"facets,omitempty"`
}

// SearchResultOutput is a single hit.
type SearchResultOutput struct {
	Key         string   `json:"key" jsonschema:"source/id of the document"`
	Source      string   `json:"source"`
	Title       string   `json:"title"`
	Snippet     string   `json:"snippet"`
	Score       float64  `json:"score"`
	ContentType string   `json:"content_type"`
	MIMEType    string   `json:"mime_type"`
	Author      string   `json:"author,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	URL         string   `json:"url,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty" jsonschema:"RFC 3339"`
}

// FacetItem is one facet bucket.
type FacetItem struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// SuggestInput defines the input schema for the suggest tool.
type SuggestInput struct {
	Partial string `json:"partial" jsonschema:"the partially typed query"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum number of suggestions, default 10"`
}

// SuggestOutput defines the output schema for the suggest tool.
type SuggestOutput struct {
	Suggestions []string `json:"suggestions"`
}

// IndexDocumentInput defines the input schema for the index_document tool.
type IndexDocumentInput struct {
	Source      string            `json:"source" jsonschema:"provider source name"`
	ID          string            `json:"id" jsonschema:"provider-native id, unique within source"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Author      string            `json:"author,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	URL         string            `json:"url,omitempty"`
	UpdatedAt   string            `json:"updated_at,omitempty" jsonschema:"RFC 3339; defaults to now"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IndexDocumentOutput defines the output schema for the index_document tool.
type IndexDocumentOutput struct {
	Key     string `json:"key"`
	Indexed bool   `json:"indexed"`
}

// DeleteDocumentInput defines the input schema for the delete_document tool.
type DeleteDocumentInput struct {
	Source string `json:"source"`
	ID     string `json:"id"`
}

// DeleteDocumentOutput defines the output schema for the delete_document tool.
type DeleteDocumentOutput struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted" jsonschema:"false when the document was not indexed"`
}

// EmptyInput is the input of tools without parameters.
type EmptyInput struct{}

// OptimizeOutput defines the output schema for the optimize tool.
type OptimizeOutput struct {
	Optimized  bool    `json:"optimized"`
	DurationMs float64 `json:"duration_ms"`
	Tombstones int64   `json:"tombstones" jsonschema:"tombstones left after the merge"`
}
