package indexer

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/models"
)

// ReconcileReport counts the repairs of one Reconcile pass.
type ReconcileReport struct {
	PendingDeletes  int `json:"pending_deletes"`
	VectorOrphans   int `json:"vector_orphans"`
	KeywordOrphans  int `json:"keyword_orphans"`
	KeywordRestored int `json:"keyword_restored"`
	VectorsRestored int `json:"vectors_restored"`
	EmbedFailures   int `json:"embed_failures"`
}

// Reconcile finishes interrupted deletes and brings both indices back in line with the
// registry: chunks unknown to the registry are removed, registered chunks missing from an
// index are indexed again. Every discrepancy is logged as a consistency error.
func (idx *Indexer) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	pending, err := idx.storage.ListPendingDeletes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending deletes: %w", err)
	}
	for _, id := range pending {
		idx.logger.Warn("replaying interrupted delete",
			zap.Error(errs.Consistency("indexer.reconcile", "delete of %s did not complete", id)))
		if err := idx.DeleteDocument(ctx, id); err != nil {
			return report, fmt.Errorf("replay delete %s: %w", id, err)
		}
		report.PendingDeletes++
	}

	known, err := idx.storage.ListChunkIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list chunks: %w", err)
	}

	vecRefs, err := idx.vectors.ListChunks(ctx)
	if err != nil {
		return report, fmt.Errorf("list vector chunks: %w", err)
	}
	inVectors := make(map[string]bool, len(vecRefs))
	var vecCandidates []chunkRef
	for _, ref := range vecRefs {
		inVectors[ref.ChunkID] = true
		if _, ok := known[ref.ChunkID]; !ok {
			vecCandidates = append(vecCandidates, chunkRef{chunkID: ref.ChunkID, documentID: ref.DocumentID})
		}
	}
	report.VectorOrphans, err = idx.removeOrphans(ctx, "vectors", vecCandidates, idx.vectors.DeleteChunks)
	if err != nil {
		return report, err
	}

	kwRefs, err := idx.keywords.ListChunks(ctx)
	if err != nil {
		return report, fmt.Errorf("list keyword chunks: %w", err)
	}
	inKeywords := make(map[string]bool, len(kwRefs))
	var kwCandidates []chunkRef
	for _, ref := range kwRefs {
		inKeywords[ref.ChunkID] = true
		if _, ok := known[ref.ChunkID]; !ok {
			kwCandidates = append(kwCandidates, chunkRef{chunkID: ref.ChunkID, documentID: ref.DocumentID})
		}
	}
	report.KeywordOrphans, err = idx.removeOrphans(ctx, "keyword entries", kwCandidates, idx.keywords.DeleteChunks)
	if err != nil {
		return report, err
	}

	missingKW := make(map[string][]string)
	missingVec := make(map[string][]string)
	for id, docID := range known {
		if !inKeywords[id] {
			missingKW[docID] = append(missingKW[docID], id)
		}
		if !inVectors[id] {
			missingVec[docID] = append(missingVec[docID], id)
		}
	}

	if len(missingKW) > 0 {
		restored, err := idx.restoreKeywords(ctx, missingKW)
		report.KeywordRestored = restored
		if err != nil {
			return report, err
		}
	}

	if len(missingVec) > 0 {
		restored, failed, err := idx.restoreVectors(ctx, missingVec)
		report.VectorsRestored = restored
		report.EmbedFailures = failed
		if err != nil {
			return report, err
		}
	}

	idx.logger.Info("reconcile finished",
		zap.Int("pending_deletes", report.PendingDeletes),
		zap.Int("vector_orphans", report.VectorOrphans),
		zap.Int("keyword_orphans", report.KeywordOrphans),
		zap.Int("keyword_restored", report.KeywordRestored),
		zap.Int("vectors_restored", report.VectorsRestored))
	return report, nil
}

type chunkRef struct {
	chunkID    string
	documentID string
}

// removeOrphans deletes indexed chunks that the registry does not know. The registry
// snapshot the candidates were found with may predate a concurrent ingest, so each
// document's candidates are checked again and deleted while holding that document's lock.
func (idx *Indexer) removeOrphans(ctx context.Context, what string, candidates []chunkRef, del func(context.Context, []string) error) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	byDoc := make(map[string][]string)
	for _, c := range candidates {
		byDoc[c.documentID] = append(byDoc[c.documentID], c.chunkID)
	}
	removed := 0
	for _, docID := range sortedKeys(byDoc) {
		n, err := idx.removeDocumentOrphans(ctx, docID, byDoc[docID], del)
		removed += n
		if err != nil {
			return removed, fmt.Errorf("delete orphaned %s of %s: %w", what, docID, err)
		}
	}
	if removed > 0 {
		idx.logger.Warn("removed orphaned "+what, zap.Int("count", removed),
			zap.Error(errs.Consistency("indexer.reconcile", "%d %s had no registered chunk", removed, what)))
	}
	return removed, nil
}

func (idx *Indexer) removeDocumentOrphans(ctx context.Context, docID string, chunkIDs []string, del func(context.Context, []string) error) (int, error) {
	unlock := idx.locks.Lock(docID)
	defer unlock()

	registered, err := idx.storage.GetChunksByDocumentID(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("get chunks: %w", err)
	}
	current := make(map[string]bool, len(registered))
	for _, ch := range registered {
		current[ch.ID] = true
	}
	var orphans []string
	for _, id := range chunkIDs {
		if !current[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	if err := del(ctx, orphans); err != nil {
		return 0, err
	}
	return len(orphans), nil
}

// restoreKeywords indexes registered chunks missing from the keyword index. Chunks are
// read again under the document lock, so chunks removed since the snapshot stay removed.
func (idx *Indexer) restoreKeywords(ctx context.Context, missing map[string][]string) (int, error) {
	restored := 0
	for _, docID := range sortedKeys(missing) {
		unlock := idx.locks.Lock(docID)
		chunks, err := idx.chunksSorted(ctx, missing[docID])
		if err == nil && len(chunks) > 0 {
			err = idx.keywords.Index(ctx, keywordEntries(chunks))
		}
		unlock()
		if err != nil {
			return restored, fmt.Errorf("restore keyword entries of %s: %w", docID, err)
		}
		restored += len(chunks)
	}
	if restored > 0 {
		idx.logger.Warn("restored keyword entries", zap.Int("count", restored),
			zap.Error(errs.Consistency("indexer.reconcile", "%d chunks missing from the keyword index", restored)))
	}
	return restored, nil
}

// restoreVectors embeds registered chunks that have no vector, per document tier.
// Chunks that still fail quality validation are counted, not retried.
func (idx *Indexer) restoreVectors(ctx context.Context, missing map[string][]string) (int, int, error) {
	docIDs := sortedKeys(missing)
	docs, err := idx.storage.GetDocuments(ctx, docIDs)
	if err != nil {
		return 0, 0, fmt.Errorf("get documents: %w", err)
	}

	restored, failed := 0, 0
	for _, docID := range docIDs {
		doc, ok := docs[docID]
		if !ok {
			continue
		}
		unlock := idx.locks.Lock(docID)
		chunks, err := idx.chunksSorted(ctx, missing[docID])
		if err != nil {
			unlock()
			return restored, failed, err
		}
		if len(chunks) == 0 {
			unlock()
			continue
		}
		n, failures, _, err := idx.embedChunks(ctx, doc.Tier, chunks)
		unlock()
		restored += n
		failed += len(failures)
		if err != nil {
			if errs.Is(err, errs.KindBackendUnavailable) || errs.Is(err, errs.KindTimeout) {
				idx.logger.Warn("cannot restore vectors", zap.String("doc_id", docID), zap.Error(err))
				failed += len(chunks)
				continue
			}
			return restored, failed, fmt.Errorf("restore vectors for %s: %w", docID, err)
		}
	}
	if restored > 0 {
		idx.logger.Warn("restored vectors", zap.Int("count", restored),
			zap.Error(errs.Consistency("indexer.reconcile", "%d chunks missing from the vector store", restored+failed)))
	}
	return restored, failed, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (idx *Indexer) chunksSorted(ctx context.Context, ids []string) ([]*models.Chunk, error) {
	byID, err := idx.storage.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	out := make([]*models.Chunk, 0, len(byID))
	for _, id := range ids {
		if ch, ok := byID[id]; ok {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}
