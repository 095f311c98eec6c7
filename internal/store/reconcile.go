package store

import (
	"context"
	"log/slog"

	"github.com/blevesearch/bleve/v2"

	"github.com/Aman-CERP/unisearch/internal/document"
)

// hashScanPage is the page size of a full content-hash scan.
const hashScanPage = 1000

// EachContentHash calls fn with the key and stored content hash of every
// live document, in key order.
func (s *IndexStore) EachContentHash(ctx context.Context, fn func(key, hash string) error) error {
	var after string
	for {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), hashScanPage, 0, false)
		req.Fields = []string{fieldContentHash}
		req.SortBy([]string{"_id"})
		if after != "" {
			req.SetSearchAfter([]string{after})
		}

		res, err := s.Search(ctx, req)
		if err != nil {
			return err
		}
		for _, hit := range res.Hits {
			hash, _ := hit.Fields[fieldContentHash].(string)
			if err := fn(hit.ID, hash); err != nil {
				return err
			}
		}
		if len(res.Hits) < hashScanPage {
			return nil
		}
		after = res.Hits[len(res.Hits)-1].ID
	}
}

// ReconcileLedger rebuilds the hash ledger from the index when the two
// disagree on how many commits have been applied, which happens when a
// ledger write failed or the process died between an index commit and its
// ledger write. It must run before any commit. Reports whether it rebuilt.
func ReconcileLedger(ctx context.Context, idx *IndexStore, meta *MetaStore, logger *slog.Logger) (bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	applied, err := meta.AppliedCommits(ctx)
	if err != nil {
		return false, err
	}
	current := idx.CommitID()
	if applied == current {
		return false, nil
	}

	n, err := meta.RebuildHashes(ctx, current, func(add func(HashChange) error) error {
		return idx.EachContentHash(ctx, func(key, hash string) error {
			src, _, _ := document.SplitKey(key)
			return add(HashChange{Key: key, Source: src, Hash: hash})
		})
	})
	if err != nil {
		return false, err
	}
	logger.Warn("hash_ledger_rebuilt",
		slog.Uint64("ledger_commits", uint64(applied)),
		slog.Uint64("index_commits", uint64(current)),
		slog.Int("documents", n))
	return true, nil
}
