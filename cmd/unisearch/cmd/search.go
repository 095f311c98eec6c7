package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/unisearch/internal/query"
	"github.com/Aman-CERP/unisearch/internal/search"
	"github.com/Aman-CERP/unisearch/internal/ui"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit        int
	offset       int
	sources      []string
	contentTypes []string
	filters      []string
	facets       []string
	sort         string
	fuzzy        int
	format       string // "text", "json"
	session      string
}

func newSearchCmd(g *globals) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search every indexed source",
		Long: `Search the unified index.

The query language supports quoted phrases, AND/OR/NOT, grouping with
parentheses, field:value terms, ranges such as date:[2024-01-01 TO *]
and fuzzy terms such as budget~1.

Structured filters use --filter field:op:value. Operators are eq, neq,
contains, not_contains, prefix, suffix, in, not_in, exists, not_exists,
gt, gte, lt, lte and range. in/not_in take comma separated values and
range takes low..high with either bound optional.`,
		Example: `  unisearch search "quarterly budget"
  unisearch search 'from:ana@example.com AND invoice' --sort date_desc
  unisearch search roadmap --source wiki --facet tags --facet author
  unisearch search report --filter 'created_at:range:2024-01-01..2024-06-30'
  unisearch search budgt --fuzzy 1 --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.query(strings.Join(args, " "))
			if err != nil {
				return err
			}
			return g.withEngine(cmd.Context(), func(eng *search.Engine) error {
				resp, err := eng.Search(cmd.Context(), q, opts.session)
				if err != nil {
					return err
				}
				slog.Info("cli_search_completed", slog.Int("hits", len(resp.Hits)), slog.Bool("cache_hit", resp.CacheHit))
				r := ui.NewStatusRenderer(cmd.OutOrStdout(), g.noColor)
				if opts.format == "json" {
					return r.RenderJSON(resp)
				}
				return r.RenderResults(q.Text, resp)
			})
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of results")
	f.IntVar(&opts.offset, "offset", 0, "Results to skip")
	f.StringSliceVarP(&opts.sources, "source", "s", nil, "Restrict to sources (repeatable)")
	f.StringSliceVarP(&opts.contentTypes, "type", "t", nil, "Restrict to content types, e.g. email, issue (repeatable)")
	f.StringArrayVar(&opts.filters, "filter", nil, "Structured filter field:op:value (repeatable)")
	f.StringSliceVar(&opts.facets, "facet", nil, "Facet fields to count (repeatable)")
	f.StringVar(&opts.sort, "sort", string(query.SortRelevance), "Order: relevance, date_desc, date_asc, alphabetical")
	f.IntVar(&opts.fuzzy, "fuzzy", 0, "Edit distance for every term (0-2)")
	f.StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	f.StringVar(&opts.session, "session", "cli", "Session id recorded in analytics")

	return cmd
}

// query builds the engine query from flags.
func (o searchOptions) query(text string) (query.Query, error) {
	if o.format != "text" && o.format != "json" {
		return query.Query{}, fmt.Errorf("invalid format %q (use: text, json)", o.format)
	}
	q := query.Query{
		Text:         text,
		Limit:        o.limit,
		Offset:       o.offset,
		Sources:      o.sources,
		ContentTypes: o.contentTypes,
		Facets:       o.facets,
		Sort:         query.SortOrder(o.sort),
		Fuzziness:    o.fuzzy,
		Highlight:    true,
	}
	for _, raw := range o.filters {
		f, err := parseFilter(raw)
		if err != nil {
			return query.Query{}, err
		}
		q.Filters = append(q.Filters, f)
	}
	return q, nil
}

// parseFilter reads field:op:value. The value may itself contain colons.
// exists and not_exists take no value.
func parseFilter(raw string) (query.Filter, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return query.Filter{}, fmt.Errorf("invalid filter %q (want field:op:value)", raw)
	}
	f := query.Filter{Field: parts[0], Op: query.FilterOp(parts[1])}
	value := ""
	if len(parts) == 3 {
		value = parts[2]
	}

	switch f.Op {
	case query.OpExists, query.OpNotExists:
		if value != "" {
			return query.Filter{}, fmt.Errorf("filter %q: %s takes no value", raw, f.Op)
		}
	case query.OpIn, query.OpNotIn:
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				f.Values = append(f.Values, v)
			}
		}
		if len(f.Values) == 0 {
			return query.Filter{}, fmt.Errorf("filter %q: %s needs at least one value", raw, f.Op)
		}
	case query.OpRange:
		lo, hi, ok := strings.Cut(value, "..")
		if !ok {
			return query.Filter{}, fmt.Errorf("filter %q: range wants low..high", raw)
		}
		f.Values = []string{lo, hi}
	default:
		if value == "" {
			return query.Filter{}, fmt.Errorf("filter %q: missing value", raw)
		}
		f.Value = value
	}
	return f, nil
}

func newSuggestCmd(g *globals) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "suggest <partial>",
		Short: "Complete a partial query from indexed terms and past queries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd.Context(), func(eng *search.Engine) error {
				suggestions, err := eng.GetSuggestions(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				for _, s := range suggestions {
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), s); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum suggestions")
	return cmd
}
