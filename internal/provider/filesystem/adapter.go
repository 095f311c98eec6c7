// Package filesystem indexes plain-text and Markdown files under a local
// directory. Fetch is incremental: the cursor records the modification
// stamp of every file seen, so later fetches emit only changed files and
// deletions. Watch streams live changes through fsnotify.
package filesystem

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/provider"
)

// DefaultExtensions are indexed when Config.Extensions is empty.
var DefaultExtensions = []string{".md", ".markdown", ".txt"}

const (
	defaultMaxFileBytes = 4 << 20
	defaultDebounce     = 200 * time.Millisecond
	cursorVersion       = 1
)

// Config describes one directory source.
type Config struct {
	Name       string
	Root       string
	Extensions []string
	// Ignore holds extra gitignore-style patterns. The root .gitignore is
	// always honoured and .git is always skipped.
	Ignore []string
	// MaxFileBytes caps how much of each file is read.
	MaxFileBytes int64
	// DebounceWindow coalesces bursts of watch events per path.
	DebounceWindow time.Duration
	Logger         *slog.Logger
}

// Adapter is the filesystem provider.
type Adapter struct {
	name   string
	root   string
	exts   map[string]bool
	ignore *ignoreSet
	limit  int64
	window time.Duration
	logger *slog.Logger
}

var (
	_ provider.Adapter = (*Adapter)(nil)
	_ provider.Watcher = (*Adapter)(nil)
)

// fileRecord is the payload of a fetched file.
type fileRecord struct {
	Rel     string
	Abs     string
	ModTime time.Time
	Size    int64
	Content []byte
}

// stamp identifies one version of a file in the cursor.
type stamp struct {
	M int64 `json:"m"`
	S int64 `json:"s"`
}

type cursor struct {
	V     int              `json:"v"`
	Files map[string]stamp `json:"files"`
}

// New validates cfg and creates the adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Name == "" {
		return nil, errors.ConfigError("filesystem source needs a name", nil)
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, errors.ConfigError("resolve filesystem root", err).WithDetail("root", cfg.Root)
	}
	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	a := &Adapter{
		name:   strings.ToLower(cfg.Name),
		root:   root,
		exts:   make(map[string]bool, len(exts)),
		ignore: newIgnoreSet(".git/"),
		limit:  cfg.MaxFileBytes,
		window: cfg.DebounceWindow,
		logger: cfg.Logger,
	}
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		a.exts[e] = true
	}
	if a.limit <= 0 {
		a.limit = defaultMaxFileBytes
	}
	if a.window <= 0 {
		a.window = defaultDebounce
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if err := a.ignore.addFile(filepath.Join(root, ".gitignore")); err != nil {
		return nil, err
	}
	for _, p := range cfg.Ignore {
		a.ignore.add(p)
	}
	return a, nil
}

// Source returns the configured source name.
func (a *Adapter) Source() string { return a.name }

// Root returns the absolute directory being indexed.
func (a *Adapter) Root() string { return a.root }

// HealthCheck verifies the root is a readable directory.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(a.root)
	if err != nil {
		return errors.ProviderError("filesystem root unavailable", err).WithDetail("root", a.root)
	}
	if !info.IsDir() {
		return errors.ProviderError("filesystem root is not a directory", nil).WithDetail("root", a.root)
	}
	if _, err := os.ReadDir(a.root); err != nil {
		return errors.ProviderError("filesystem root unreadable", err).WithDetail("root", a.root)
	}
	return nil
}

// Fetch walks the root and emits files whose stamp differs from cursor,
// then deletions for files that disappeared.
func (a *Adapter) Fetch(ctx context.Context, cur string) (<-chan provider.RawRecord, <-chan error) {
	records := make(chan provider.RawRecord)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)

		prev, err := decodeCursor(cur)
		if err != nil {
			a.logger.Warn("filesystem_cursor_invalid", slog.String("source", a.name), slog.String("error", err.Error()))
			prev = cursor{V: cursorVersion, Files: map[string]stamp{}}
		}
		next := cursor{V: cursorVersion, Files: make(map[string]stamp, len(prev.Files))}

		send := func(rec provider.RawRecord) bool {
			select {
			case records <- rec:
				return true
			case <-ctx.Done():
				return false
			}
		}

		walkErr := filepath.WalkDir(a.root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if p == a.root {
					return err
				}
				a.logger.Debug("filesystem_walk_skip", slog.String("path", p), slog.String("error", err.Error()))
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rel, ok := a.relative(p)
			if !ok {
				return nil
			}
			if d.IsDir() {
				if a.ignore.match(rel, true) {
					return filepath.SkipDir
				}
				return nil
			}
			if !a.wanted(rel) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			st := stamp{M: info.ModTime().UnixNano(), S: info.Size()}
			next.Files[rel] = st
			if old, seen := prev.Files[rel]; seen && old == st {
				return nil
			}
			rec, err := a.read(p, rel)
			if err != nil {
				a.logger.Warn("filesystem_read_failed", slog.String("path", rel), slog.String("error", err.Error()))
				delete(next.Files, rel)
				return nil
			}
			if !send(rec) {
				return ctx.Err()
			}
			return nil
		})
		if walkErr != nil {
			if ctx.Err() == nil {
				errs <- errors.ProviderError("walk filesystem source", walkErr).WithDetail("root", a.root)
			}
			return
		}

		var gone []string
		for rel := range prev.Files {
			if _, ok := next.Files[rel]; !ok {
				gone = append(gone, rel)
			}
		}
		sort.Strings(gone)
		for _, rel := range gone {
			if !send(provider.RawRecord{ID: rel, Deleted: true}) {
				return
			}
		}

		encoded, err := encodeCursor(next)
		if err != nil {
			errs <- err
			return
		}
		errs <- &provider.SyncComplete{NextCursor: encoded}
	}()

	return records, errs
}

// relative maps an absolute path to its slash-separated id under the root.
func (a *Adapter) relative(p string) (string, bool) {
	rel, err := filepath.Rel(a.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (a *Adapter) wanted(rel string) bool {
	return a.exts[extOf(rel)] && !a.ignore.match(rel, false)
}

func extOf(rel string) string { return strings.ToLower(filepath.Ext(rel)) }

func (a *Adapter) read(abs, rel string) (provider.RawRecord, error) {
	f, err := os.Open(abs)
	if err != nil {
		return provider.RawRecord{}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return provider.RawRecord{}, err
	}
	content, err := io.ReadAll(io.LimitReader(f, a.limit))
	if err != nil {
		return provider.RawRecord{}, err
	}
	return provider.RawRecord{
		ID: rel,
		Payload: fileRecord{
			Rel:     rel,
			Abs:     abs,
			ModTime: info.ModTime(),
			Size:    info.Size(),
			Content: content,
		},
	}, nil
}

// Normalize turns a file into a document. Markdown is rendered to text and
// its front matter supplies title, author and tags.
func (a *Adapter) Normalize(rec provider.RawRecord) (document.Document, error) {
	fr, ok := rec.Payload.(fileRecord)
	if !ok {
		return document.Document{}, fmt.Errorf("unexpected payload %T", rec.Payload)
	}

	ext := extOf(fr.Rel)
	doc := document.Document{
		ID:          fr.Rel,
		Source:      a.name,
		URL:         "file://" + filepath.ToSlash(fr.Abs),
		ContentType: document.ContentFile,
		CreatedAt:   fr.ModTime,
		UpdatedAt:   fr.ModTime,
		Metadata: map[string]string{
			"path":      fr.Rel,
			"extension": ext,
			"size":      fmt.Sprint(fr.Size),
		},
	}
	if dir := filepath.ToSlash(filepath.Dir(fr.Rel)); dir != "." {
		doc.Category = strings.SplitN(dir, "/", 2)[0]
	}

	switch ext {
	case ".md", ".markdown":
		md := parseMarkdown(fr.Content)
		doc.Title, doc.Body = md.Title, md.Body
		doc.Author = md.Meta.Author
		doc.Tags = md.Meta.Tags
		doc.ContentType = document.ContentDocument
	default:
		doc.Body = string(fr.Content)
		doc.Title = firstLine(doc.Body)
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(filepath.Base(fr.Rel), filepath.Ext(fr.Rel))
	}
	return doc, nil
}

func firstLine(s string) string {
	for _, line := range strings.SplitN(s, "\n", 8) {
		if line = strings.TrimSpace(line); line != "" {
			if len(line) > 120 {
				return ""
			}
			return line
		}
	}
	return ""
}

func encodeCursor(c cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeCursor(s string) (cursor, error) {
	c := cursor{V: cursorVersion, Files: map[string]stamp{}}
	if s == "" {
		return c, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("decode cursor: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode cursor: %w", err)
	}
	if c.Files == nil {
		c.Files = map[string]stamp{}
	}
	return c, nil
}
