package memory

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/unibase-ai/membase-go/knowledge"
)

// RestoreFromHub rebuilds the long-term tiers from the hub's mirrored
// documents: long-term records are appended in creation order, profile
// revisions are replayed so the most recent one ends up current, and
// everything is re-indexed. Intended for startup, before the scheduler runs.
// Returns how many documents were restored; documents that fail validation
// are skipped with a warning.
func RestoreFromHub(ctx context.Context, h Hub, store *LongTermStore, index knowledge.KnowledgeBase, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	docs, err := h.PreloadDocuments(ctx)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].CreatedAt().Before(docs[j].CreatedAt())
	})

	restored := 0
	for _, doc := range docs {
		switch doc.Kind() {
		case knowledge.KindLTM:
			err = store.Append(doc.Conversation(), doc)
		case knowledge.KindProfile:
			var prev *knowledge.Document
			prev, err = store.SetProfile(doc)
			// Publish the superseded mark, otherwise the replayed older
			// revision stays retrievable as current.
			if err == nil && prev != nil {
				if ierr := index.Index(ctx, prev); ierr != nil {
					logger.Warn("superseded profile not re-indexed", zap.String("id", prev.ID), zap.Error(ierr))
				}
			}
		default:
			// Raw knowledge documents only live in the index.
			err = nil
		}
		if err != nil {
			logger.Warn("skipping unrestorable document", zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		if err := index.Index(ctx, doc); err != nil {
			logger.Warn("restored document not indexed", zap.String("id", doc.ID), zap.Error(err))
		}
		restored++
	}
	logger.Info("restored documents from hub", zap.Int("restored", restored), zap.Int("fetched", len(docs)))
	return restored, nil
}
