package cmd

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/output"
	"github.com/Aman-CERP/unisearch/internal/search"
	"github.com/Aman-CERP/unisearch/internal/ui"
)

const defaultIndexBatch = 200

type indexOptions struct {
	source string
	batch  int
	noTUI  bool
}

func newIndexCmd(g *globals) *cobra.Command {
	var opts indexOptions

	cmd := &cobra.Command{
		Use:   "index [file.jsonl ...]",
		Short: "Index documents from JSON lines",
		Long: `Index documents read as JSON objects, one per line, from files or
from stdin when no file (or "-") is given.

Each object uses the document fields: id, source, title, body, author,
recipients, tags, category, content_type, url, created_at, updated_at
and metadata. --source fills in documents that carry no source.
Documents whose content is unchanged are skipped.`,
		Example: `  unisearch index mail-export.jsonl --source mail
  cat notes.jsonl | unisearch index --source notes
  unisearch index a.jsonl b.jsonl --no-tui`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.batch <= 0 {
				return fmt.Errorf("--batch must be positive, got %d", opts.batch)
			}
			if len(args) == 0 {
				args = []string{"-"}
			}
			return g.withEngine(cmd.Context(), func(eng *search.Engine) error {
				return runIndex(cmd, g, eng, args, opts)
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.source, "source", "s", "", "Source for documents without one")
	f.IntVar(&opts.batch, "batch", defaultIndexBatch, "Documents committed per batch")
	f.BoolVar(&opts.noTUI, "no-tui", false, "Plain progress output")
	return cmd
}

func runIndex(cmd *cobra.Command, g *globals, eng *search.Engine, inputs []string, opts indexOptions) error {
	ctx := cmd.Context()
	start := time.Now()

	renderer := ui.NewRenderer(ui.NewConfig(cmd.OutOrStdout(),
		ui.WithForcePlain(opts.noTUI),
		ui.WithNoColor(g.noColor),
		ui.WithTitle(indexTitle(inputs)),
	))
	if err := renderer.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = renderer.Stop() }()

	renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageFetching, Message: "reading documents"})
	docs, err := readDocuments(cmd.InOrStdin(), inputs, opts.source)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		renderer.Complete(ui.CompletionStats{Duration: time.Since(start)})
		return nil
	}

	sources := make(map[string]struct{})
	for _, d := range docs {
		sources[d.Source] = struct{}{}
	}

	written, failed := 0, 0
	for lo := 0; lo < len(docs); lo += opts.batch {
		hi := min(lo+opts.batch, len(docs))
		chunk := docs[lo:hi]
		renderer.UpdateProgress(ui.ProgressEvent{
			Stage:   ui.StageQueueing,
			Current: lo,
			Total:   len(docs),
			Item:    chunk[0].Key(),
		})
		n, err := eng.IndexBatch(ctx, chunk)
		written += n
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			failed += len(chunk) - n
			renderer.AddError(ui.ErrorEvent{Item: fmt.Sprintf("batch %d-%d", lo, hi-1), Err: err})
			continue
		}
	}
	renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageQueueing, Current: len(docs), Total: len(docs)})

	renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageCommitting, Message: "flushing index"})
	if err := eng.Flush(ctx); err != nil {
		return fmt.Errorf("flush index: %w", err)
	}

	renderer.Complete(ui.CompletionStats{
		Documents: len(docs),
		Written:   written,
		Unchanged: len(docs) - written - failed,
		Sources:   len(sources),
		Duration:  time.Since(start),
		Errors:    failed,
	})
	if err := renderer.Stop(); err != nil {
		return err
	}
	if failed > 0 {
		output.New(cmd.ErrOrStderr()).Warningf("%d document(s) were not indexed", failed)
		return fmt.Errorf("%d of %d documents failed to index", failed, len(docs))
	}
	return nil
}

// readDocuments decodes every input in order. "-" reads in.
func readDocuments(in io.Reader, inputs []string, source string) ([]document.Document, error) {
	var docs []document.Document
	for _, name := range inputs {
		got, err := readInput(in, name, source)
		if err != nil {
			return nil, err
		}
		docs = append(docs, got...)
	}
	return docs, nil
}

func readInput(in io.Reader, name, source string) ([]document.Document, error) {
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}
	docs, err := decodeDocuments(in, source)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", displayName(name), err)
	}
	return docs, nil
}

func decodeDocuments(r io.Reader, source string) ([]document.Document, error) {
	dec := json.NewDecoder(r)
	var docs []document.Document
	for n := 1; ; n++ {
		var d document.Document
		err := dec.Decode(&d)
		if stderrors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", n, err)
		}
		if d.Source == "" {
			d.Source = source
		}
		docs = append(docs, d)
	}
}

func displayName(name string) string {
	if name == "-" {
		return "stdin"
	}
	return name
}

func indexTitle(inputs []string) string {
	if len(inputs) == 1 {
		return filepath.Base(displayName(inputs[0]))
	}
	return fmt.Sprintf("%d inputs", len(inputs))
}

func newDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <source> <id>",
		Short: "Remove one document from the index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd.Context(), func(eng *search.Engine) error {
				removed, err := eng.DeleteDocument(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				out := output.New(cmd.OutOrStdout())
				key := document.Key(args[0], args[1])
				if !removed {
					out.Warningf("%s is not indexed", key)
					return nil
				}
				out.Successf("Deleted %s", key)
				return nil
			})
		},
	}
}
