package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/yakkan/internal/embedding"
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/indexer"
	"github.com/hyperjump/yakkan/internal/models"
)

func sampleResult() *models.RetrievalResult {
	return &models.RetrievalResult{
		Query:            "자동차보험 자차 보상",
		NormalizedQuery:  "자동차보험 자차 보상",
		Intent:           models.IntentLookup,
		IntentConfidence: 0.8,
		Model:            "text-embedding-3-large",
		ContextTokens:    14,
		Passages: []models.Passage{{
			Text:   "제5조 자기차량손해\n회사는 피보험자동차에 생긴 손해를 보상합니다",
			Score:  0.8123,
			Reason: "vector+keyword",
			Citation: models.Citation{
				DocumentID:   "doc-auto",
				Issuer:       "한빛손해보험",
				ProductName:  "한빛 다이렉트 자동차보험",
				ChunkIndexes: []int{3, 4},
				Sources: []models.SegmentRef{
					{PageNumber: 3, PositionIndex: 0},
					{PageNumber: 2, PositionIndex: 5},
					{PageNumber: 3, PositionIndex: 1},
				},
			},
		}},
		Timings: models.Timings{ProcessMs: 1, EmbedMs: 10, SearchMs: 20, RerankMs: 3, TotalMs: 35},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]OutputFormat{"": OutputText, "TEXT": OutputText, "json": OutputJSON, " compact ": OutputCompact} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("yaml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestWriteRetrieval_JSON(t *testing.T) {
	res := sampleResult()
	var buf bytes.Buffer
	if err := WriteRetrieval(&buf, res, OutputJSON); err != nil {
		t.Fatalf("WriteRetrieval(json): %v", err)
	}
	var decoded models.RetrievalResult
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Query != res.Query || len(decoded.Passages) != 1 {
		t.Fatalf("decoded: %+v", decoded)
	}
	if decoded.Passages[0].Citation.DocumentID != "doc-auto" {
		t.Errorf("citation: %+v", decoded.Passages[0].Citation)
	}
}

func TestWriteRetrieval_Text(t *testing.T) {
	res := sampleResult()
	res.Degraded = true
	res.DegradedReasons = []string{"rerank: backend unavailable"}
	var buf bytes.Buffer
	if err := WriteRetrieval(&buf, res, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"Query: 자동차보험 자차 보상",
		"Intent: lookup (0.80) | Model: text-embedding-3-large",
		"1 passage(s), 14 context tokens in 35ms",
		"DEGRADED:",
		"  - rerank: backend unavailable",
		"[1] Score: 0.8123 (vector+keyword)",
		"Source: 한빛손해보험 / 한빛 다이렉트 자동차보험 (doc-auto) chunks 3,4 p.2,3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q\n%s", want, out)
		}
	}
}

func TestWriteRetrieval_Compact(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRetrieval(&buf, sampleResult(), OutputCompact); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	fields := strings.Split(lines[0], "\t")
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields, got %q", lines[0])
	}
	if fields[1] != "doc-auto#3,4" || fields[2] != "p.2,3" {
		t.Errorf("fields: %q", fields)
	}
	if strings.Contains(fields[3], "\n") {
		t.Error("compact text must be one line")
	}
}

func TestWriteRetrieval_Empty(t *testing.T) {
	res := &models.RetrievalResult{Query: "q", Passages: []models.Passage{}}
	var buf bytes.Buffer
	if err := WriteRetrieval(&buf, res, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "0 passage(s)") {
		t.Errorf("got %q", buf.String())
	}
}

func TestCitationLabel_fallbacks(t *testing.T) {
	got := CitationLabel(models.Citation{DocumentID: "d1", Title: "암보험 약관", ChunkIndexes: []int{0}})
	if got != "암보험 약관 (d1) chunks 0" {
		t.Errorf("got %q", got)
	}
	got = CitationLabel(models.Citation{DocumentID: "d2", ChunkIndexes: []int{7}, Sources: []models.SegmentRef{{PageNumber: 9}}})
	if got != "(d2) chunks 7 p.9" {
		t.Errorf("got %q", got)
	}
}

func TestWriteIngestReport(t *testing.T) {
	report := &indexer.IngestReport{
		DocumentID: "doc-auto",
		Chunks:     12,
		Embedded:   11,
		Model:      "azure-ada-002",
		Strategy:   models.StrategyContentAware,
		Duration:   1234567 * time.Microsecond,
		Failed:     []embedding.ItemFailure{{Index: 3, Kind: errs.KindQuality, Reason: "vector norm 0.00 below 0.10"}},
	}
	var buf bytes.Buffer
	if err := WriteIngestReport(&buf, report, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Ingested doc-auto: 12 chunk(s), 11 embedded with azure-ada-002 [content, 1.235s]") {
		t.Errorf("summary line: %q", out)
	}
	if !strings.Contains(out, "chunk 3 not embedded (QUALITY)") {
		t.Errorf("failure line: %q", out)
	}

	buf.Reset()
	if err := WriteIngestReport(&buf, report, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded indexer.IngestReport
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Failed) != 1 || decoded.Failed[0].Kind != errs.KindQuality {
		t.Errorf("decoded failures: %+v", decoded.Failed)
	}
}

func TestWriteReconcileReport(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReconcileReport(&buf, &indexer.ReconcileReport{PendingDeletes: 1, VectorOrphans: 2}, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "pending_deletes:   1") || !strings.Contains(buf.String(), "vector_orphans:    2") {
		t.Errorf("got %q", buf.String())
	}
}
