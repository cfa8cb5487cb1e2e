package models

// SearchResult is an ephemeral retrieval candidate: a chunk with its vector, keyword and
// combined scores, plus the cross-relevance score and extended-context data once reranked.
type SearchResult struct {
	Chunk         *Chunk  `json:"chunk"`
	VectorScore   float64 `json:"vector_score"`
	KeywordScore  float64 `json:"keyword_score"`
	CombinedScore float64 `json:"combined_score"`
	CrossScore    float64 `json:"cross_score,omitempty"`
	Reranked      bool    `json:"reranked,omitempty"`
	// Extended is set when adjacent chunks were merged into this one.
	Extended        bool     `json:"extended,omitempty"`
	MergedChunkIDs  []string `json:"merged_chunk_ids,omitempty"`
	MergedIndexes   []int    `json:"merged_chunk_indexes,omitempty"`
	RelevanceReason string   `json:"relevance_reason,omitempty"`
}

// FinalScore is the score that orders the result: the cross score once reranked,
// the combined score before.
func (r *SearchResult) FinalScore() float64 {
	if r.Reranked {
		return r.CrossScore
	}
	return r.CombinedScore
}

// Citation traces a passage back to a document position.
type Citation struct {
	DocumentID   string       `json:"document_id"`
	Issuer       string       `json:"issuer,omitempty"`
	ProductName  string       `json:"product_name,omitempty"`
	Title        string       `json:"title,omitempty"`
	ChunkIndexes []int        `json:"chunk_indexes"`
	Sources      []SegmentRef `json:"sources"`
	ChunkText    string       `json:"chunk_text"`
}

// Passage is a context passage paired with its citation.
type Passage struct {
	Text     string   `json:"text"`
	Score    float64  `json:"score"`
	Reason   string   `json:"reason,omitempty"`
	Citation Citation `json:"citation"`
}

// Timings records per-stage latency of one retrieval in milliseconds.
type Timings struct {
	ProcessMs int64 `json:"process_ms"`
	EmbedMs   int64 `json:"embed_ms"`
	SearchMs  int64 `json:"search_ms"`
	RerankMs  int64 `json:"rerank_ms"`
	TotalMs   int64 `json:"total_ms"`
}

// RetrievalResult is the orchestrator output handed to answer generation.
type RetrievalResult struct {
	Query            string    `json:"query"`
	NormalizedQuery  string    `json:"normalized_query"`
	Intent           Intent    `json:"intent"`
	IntentConfidence float64   `json:"intent_confidence"`
	Model            string    `json:"model,omitempty"`
	Passages         []Passage `json:"passages"`
	ContextTokens    int       `json:"context_tokens"`
	Degraded         bool      `json:"degraded"`
	DegradedReasons  []string  `json:"degraded_reasons,omitempty"`
	Timings          Timings   `json:"timings"`
}

// AnswerInput is the payload for the external answer generator.
type AnswerInput struct {
	Query           string    `json:"query"`
	ContextPassages []Passage `json:"context_passages"`
	Intent          Intent    `json:"intent"`
}

// AnswerInput returns the answer-generator payload for this result.
func (r *RetrievalResult) AnswerInput() AnswerInput {
	return AnswerInput{Query: r.Query, ContextPassages: r.Passages, Intent: r.Intent}
}
