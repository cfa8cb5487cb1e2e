package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/whitespace"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/yakkan/internal/query"
)

const (
	analyzerName = "yakkan_terms"
	chunkType    = "chunk"

	fieldTerms      = "terms"
	fieldDocumentID = "document_id"
	fieldChunkIndex = "chunk_index"

	phraseBoost = 2.0
	// listPageSize bounds each page when walking the whole index.
	listPageSize = 1000
)

// chunkDoc is the indexed form of a chunk. Terms holds analyzer output joined by spaces,
// so the bleve side only splits on whitespace and lowercases.
type chunkDoc struct {
	Terms      string  `json:"terms"`
	DocumentID string  `json:"document_id"`
	ChunkIndex float64 `json:"chunk_index"`
}

func (chunkDoc) BleveType() string { return chunkType }

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index    bleve.Index
	analyzer *query.Analyzer
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path keeps the index in
// memory. Changing the mapping requires removing the index directory and re-ingesting.
func NewBleveIndex(path string, analyzer *query.Analyzer) (*BleveIndex, error) {
	if analyzer == nil {
		analyzer = query.NewAnalyzer(nil, nil)
	}
	im, err := newMapping()
	if err != nil {
		return nil, err
	}

	var index bleve.Index
	switch {
	case path == "":
		index, err = bleve.NewMemOnly(im)
	case exists(path):
		index, err = bleve.Open(path)
	default:
		index, err = bleve.New(path, im)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open Bleve index: %w", err)
	}
	return &BleveIndex{index: index, analyzer: analyzer}, nil
}

func newMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	err := im.AddCustomAnalyzer(analyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     whitespace.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register analyzer: %w", err)
	}

	docMapping := bleve.NewDocumentMapping()
	terms := bleve.NewTextFieldMapping()
	terms.Analyzer = analyzerName
	terms.Store = false
	terms.IncludeTermVectors = true
	docMapping.AddFieldMappingsAt(fieldTerms, terms)

	docID := bleve.NewKeywordFieldMapping()
	docID.Store = true
	docMapping.AddFieldMappingsAt(fieldDocumentID, docID)

	idx := bleve.NewNumericFieldMapping()
	idx.Store = true
	idx.Index = false
	docMapping.AddFieldMappingsAt(fieldChunkIndex, idx)

	im.AddDocumentMapping(chunkType, docMapping)
	im.DefaultType = chunkType
	im.DefaultMapping = docMapping
	im.DefaultAnalyzer = analyzerName
	return im, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Index adds or replaces entries in one batch.
func (b *BleveIndex) Index(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := b.index.NewBatch()
	for _, e := range entries {
		doc := chunkDoc{
			Terms:      strings.Join(b.analyzer.Tokens(e.Text), " "),
			DocumentID: e.DocumentID,
			ChunkIndex: float64(e.ChunkIndex),
		}
		if err := batch.Index(e.ChunkID, doc); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", e.ChunkID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to apply index batch: %w", err)
	}
	return nil
}

// Search scores chunks by term weight. Terms are OR-ed; each phrase that appears in order
// adds a boosted match. A document filter restricts matches before scoring.
func (b *BleveIndex) Search(ctx context.Context, q Query) ([]Hit, error) {
	main := b.buildQuery(q)
	if main == nil || q.Limit <= 0 {
		return nil, nil
	}
	var root blevequery.Query = main
	if len(q.DocumentIDs) > 0 {
		root = bleve.NewConjunctionQuery(main, documentFilter(q.DocumentIDs))
	}

	req := bleve.NewSearchRequest(root)
	req.Size = q.Limit
	req.Fields = []string{fieldDocumentID, fieldChunkIndex}
	req.SortBy([]string{"-_score", "_id"})
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}

	out := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		docID, _ := h.Fields[fieldDocumentID].(string)
		idx, _ := h.Fields[fieldChunkIndex].(float64)
		out = append(out, Hit{ChunkID: h.ID, DocumentID: docID, ChunkIndex: int(idx), Score: h.Score})
	}
	return out, nil
}

func (b *BleveIndex) buildQuery(q Query) blevequery.Query {
	seen := make(map[string]bool, len(q.Terms))
	var parts []blevequery.Query
	for _, t := range q.Terms {
		t = strings.ToLower(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tq := bleve.NewTermQuery(t)
		tq.SetField(fieldTerms)
		parts = append(parts, tq)
	}
	if len(parts) == 0 {
		return nil
	}
	for _, phrase := range q.Phrases {
		if len(phrase) < 2 {
			continue
		}
		terms := make([]string, len(phrase))
		for i, t := range phrase {
			terms[i] = strings.ToLower(t)
		}
		pq := bleve.NewPhraseQuery(terms, fieldTerms)
		pq.SetBoost(phraseBoost)
		parts = append(parts, pq)
	}
	return bleve.NewDisjunctionQuery(parts...)
}

// documentFilter matches any of ids without contributing to the score.
func documentFilter(ids []string) blevequery.Query {
	parts := make([]blevequery.Query, 0, len(ids))
	for _, id := range ids {
		tq := bleve.NewTermQuery(id)
		tq.SetField(fieldDocumentID)
		tq.SetBoost(0)
		parts = append(parts, tq)
	}
	return bleve.NewDisjunctionQuery(parts...)
}

// Analyzer returns the analyzer used for indexing.
func (b *BleveIndex) Analyzer() *query.Analyzer {
	return b.analyzer
}

// DeleteDocument removes every chunk of a document and returns how many were removed.
func (b *BleveIndex) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	tq := bleve.NewTermQuery(documentID)
	tq.SetField(fieldDocumentID)
	ids, err := b.collectIDs(ctx, tq)
	if err != nil {
		return 0, err
	}
	if err := b.DeleteChunks(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DeleteChunks removes chunks by ID. Unknown IDs are ignored.
func (b *BleveIndex) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := b.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// ListChunks returns every indexed chunk with its document.
func (b *BleveIndex) ListChunks(ctx context.Context) ([]ChunkRef, error) {
	var out []ChunkRef
	for from := 0; ; from += listPageSize {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), listPageSize, from, false)
		req.Fields = []string{fieldDocumentID}
		req.SortBy([]string{"_id"})
		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to list chunks: %w", err)
		}
		for _, h := range res.Hits {
			docID, _ := h.Fields[fieldDocumentID].(string)
			out = append(out, ChunkRef{ChunkID: h.ID, DocumentID: docID})
		}
		if len(res.Hits) < listPageSize {
			return out, nil
		}
	}
}

func (b *BleveIndex) collectIDs(ctx context.Context, q blevequery.Query) ([]string, error) {
	var ids []string
	for from := 0; ; from += listPageSize {
		req := bleve.NewSearchRequestOptions(q, listPageSize, from, false)
		req.SortBy([]string{"_id"})
		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to collect chunks: %w", err)
		}
		for _, h := range res.Hits {
			ids = append(ids, h.ID)
		}
		if len(res.Hits) < listPageSize {
			return ids, nil
		}
	}
}

// DocCount returns the number of indexed chunks.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
