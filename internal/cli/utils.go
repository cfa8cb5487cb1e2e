// Package cli renders retrieval results and maintenance reports for the yakkan command.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/yakkan/internal/indexer"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact is one passage per line, tab separated.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat validates a --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	}
	return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
}

const passagePreview = 300

// WriteRetrieval writes a retrieval result in the given format.
func WriteRetrieval(w io.Writer, res *models.RetrievalResult, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, res)
	case OutputCompact:
		for _, p := range res.Passages {
			fmt.Fprintf(w, "%.4f\t%s#%s\tp.%s\t%s\n", p.Score, p.Citation.DocumentID,
				joinInts(p.Citation.ChunkIndexes), joinInts(Pages(p.Citation.Sources)),
				utils.Truncate(oneLine(p.Text), 120))
		}
		return nil
	default:
		writeRetrievalText(w, res)
		return nil
	}
}

func writeRetrievalText(w io.Writer, res *models.RetrievalResult) {
	fmt.Fprintf(w, "\nQuery: %s\n", res.Query)
	fmt.Fprintf(w, "Intent: %s (%.2f)", res.Intent, res.IntentConfidence)
	if res.Model != "" {
		fmt.Fprintf(w, " | Model: %s", res.Model)
	}
	fmt.Fprintln(w)
	t := res.Timings
	fmt.Fprintf(w, "%d passage(s), %d context tokens in %dms (process %d, embed %d, search %d, rerank %d)\n",
		len(res.Passages), res.ContextTokens, t.TotalMs, t.ProcessMs, t.EmbedMs, t.SearchMs, t.RerankMs)
	if res.Degraded {
		fmt.Fprintln(w, "DEGRADED:")
		for _, r := range res.DegradedReasons {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
	fmt.Fprintln(w)
	for i, p := range res.Passages {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "[%d] Score: %.4f", i+1, p.Score)
		if p.Reason != "" {
			fmt.Fprintf(w, " (%s)", p.Reason)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Source: %s\n", CitationLabel(p.Citation))
		fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(p.Text, passagePreview))
	}
}

// CitationLabel renders a citation as "issuer / product (doc-id) chunks 3,4 p.2,3".
func CitationLabel(c models.Citation) string {
	var b strings.Builder
	name := c.ProductName
	if name == "" {
		name = c.Title
	}
	switch {
	case c.Issuer != "" && name != "":
		fmt.Fprintf(&b, "%s / %s ", c.Issuer, name)
	case name != "":
		fmt.Fprintf(&b, "%s ", name)
	case c.Issuer != "":
		fmt.Fprintf(&b, "%s ", c.Issuer)
	}
	fmt.Fprintf(&b, "(%s) chunks %s", c.DocumentID, joinInts(c.ChunkIndexes))
	if pages := Pages(c.Sources); len(pages) > 0 {
		fmt.Fprintf(&b, " p.%s", joinInts(pages))
	}
	return b.String()
}

// Pages returns the distinct page numbers of refs in ascending order.
func Pages(refs []models.SegmentRef) []int {
	seen := make(map[int]bool, len(refs))
	var pages []int
	for _, r := range refs {
		if !seen[r.PageNumber] {
			seen[r.PageNumber] = true
			pages = append(pages, r.PageNumber)
		}
	}
	sort.Ints(pages)
	return pages
}

// WriteIngestReport writes the report of one ingested document.
func WriteIngestReport(w io.Writer, report *indexer.IngestReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	fmt.Fprintf(w, "Ingested %s: %d chunk(s), %d embedded", report.DocumentID, report.Chunks, report.Embedded)
	if report.Model != "" {
		fmt.Fprintf(w, " with %s", report.Model)
	}
	fmt.Fprintf(w, " [%s, %s]\n", report.Strategy, report.Duration.Round(time.Millisecond))
	for _, f := range report.Failed {
		fmt.Fprintf(w, "  chunk %d not embedded (%s): %s\n", f.Index, f.Kind, f.Reason)
	}
	return nil
}

// WriteReconcileReport writes the repairs of one reconcile pass.
func WriteReconcileReport(w io.Writer, report *indexer.ReconcileReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	fmt.Fprintf(w, "pending_deletes:   %d\n", report.PendingDeletes)
	fmt.Fprintf(w, "vector_orphans:    %d\n", report.VectorOrphans)
	fmt.Fprintf(w, "keyword_orphans:   %d\n", report.KeywordOrphans)
	fmt.Fprintf(w, "keyword_restored:  %d\n", report.KeywordRestored)
	fmt.Fprintf(w, "vectors_restored:  %d\n", report.VectorsRestored)
	fmt.Fprintf(w, "embed_failures:    %d\n", report.EmbedFailures)
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
