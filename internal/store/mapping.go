package store

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/Aman-CERP/unisearch/internal/document"
)

const (
	// TextAnalyzerName analyzes title and body: unicode word boundaries
	// and lowercasing. No stemming, so vocabulary terms match what users
	// type and fuzzy expansion stays predictable.
	TextAnalyzerName = "unisearch_text"

	// Stored-only fields, not searchable.
	fieldMetadataJSON = "metadata_json"
	fieldContentHash  = "content_hash"
)

// buildIndexMapping maps every schema field to a bleve field mapping.
func buildIndexMapping(schema *document.Schema) (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()

	err := im.AddCustomAnalyzer(TextAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add text analyzer: %w", err)
	}
	im.DefaultAnalyzer = TextAnalyzerName

	doc := bleve.NewDocumentStaticMapping()
	for _, f := range schema.Fields() {
		var fm *mapping.FieldMapping
		switch f.Kind {
		case document.KindText:
			fm = bleve.NewTextFieldMapping()
			fm.Analyzer = TextAnalyzerName
			fm.IncludeTermVectors = true
		case document.KindKeyword:
			fm = bleve.NewKeywordFieldMapping()
			fm.Analyzer = keyword.Name
			fm.IncludeInAll = false
		case document.KindDate:
			fm = bleve.NewDateTimeFieldMapping()
			fm.IncludeInAll = false
		}
		fm.Store = f.Stored
		fm.DocValues = f.Facetable || f.Sortable
		doc.AddFieldMappingsAt(f.Name, fm)
	}

	titleSort := bleve.NewKeywordFieldMapping()
	titleSort.Analyzer = keyword.Name
	titleSort.Store = false
	titleSort.IncludeInAll = false
	titleSort.DocValues = true
	doc.AddFieldMappingsAt(document.FieldTitleSort, titleSort)

	for _, name := range []string{fieldMetadataJSON, fieldContentHash} {
		stored := bleve.NewTextFieldMapping()
		stored.Index = false
		stored.Store = true
		stored.IncludeInAll = false
		stored.IncludeTermVectors = false
		stored.DocValues = false
		doc.AddFieldMappingsAt(name, stored)
	}

	im.DefaultMapping = doc
	return im, nil
}
