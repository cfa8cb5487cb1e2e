// Package main is the yakkan CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/yakkan/internal/cli"
	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/embedding"
	"github.com/hyperjump/yakkan/internal/extract"
	"github.com/hyperjump/yakkan/internal/indexer"
	"github.com/hyperjump/yakkan/internal/keyword"
	"github.com/hyperjump/yakkan/internal/metrics"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/internal/query"
	"github.com/hyperjump/yakkan/internal/rerank"
	"github.com/hyperjump/yakkan/internal/retrieval"
	"github.com/hyperjump/yakkan/internal/search"
	"github.com/hyperjump/yakkan/internal/server"
	"github.com/hyperjump/yakkan/internal/storage"
	"github.com/hyperjump/yakkan/internal/tokenizer"
	"github.com/hyperjump/yakkan/internal/vector"
	"github.com/hyperjump/yakkan/internal/watcher"
	"github.com/hyperjump/yakkan/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/yakkan/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, config.yaml in the
// current directory wins if it exists, so "yakkan server" run from a checkout picks up
// the project config. The returned path is the one actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "retrieve":
		runRetrieve()
	case "ingest":
		runIngest()
	case "delete":
		runDelete()
	case "status":
		runStatus()
	case "reconcile":
		runReconcile()
	case "watch":
		runWatch()
	case "version", "--version", "-v":
		fmt.Printf("yakkan version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	collector := components.Metrics
	watchSvc, err := watcher.New(&cfg.Watch, components.Indexer,
		watcher.WithLogger(logger),
		watcher.WithEventHandler(func(ev watcher.Event) {
			if ev.Removed {
				return
			}
			embedded, failed := 0, 0
			if ev.Report != nil {
				embedded, failed = ev.Report.Embedded, len(ev.Report.Failed)
			}
			collector.RecordIngest(embedded, failed, ev.Err)
		}),
	)
	if err != nil {
		logger.Fatal("Failed to create watcher", zap.Error(err))
	}
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if err := watchSvc.Start(watchCtx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	watchSvc.SyncExistingFiles()

	srv := server.NewServer(
		components.Orchestrator,
		components.Indexer,
		components.Storage,
		cfg,
		server.WithLogger(logger),
		server.WithUsage(components.Router),
		server.WithVectorCounter(components.Vectors),
		server.WithMetrics(collector),
		server.WithWatch(watchSvc, resolvedConfigPath),
	)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	watchSvc.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

// printRetrieveUsage prints retrieve subcommand usage.
func printRetrieveUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: yakkan retrieve [flags] <question>\n\n")
	fmt.Fprintf(fs.Output(), "The question is all remaining arguments joined by spaces, with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Passages are ranked by hybrid score and reranked for relevance and diversity.
  • --tier selects the embedding model; it must match the tier the documents were ingested with.
  • --doc restricts retrieval to the listed document ids (comma separated).
  • A DEGRADED marker means a backend was unavailable or a stage timed out.

Examples:
  yakkan retrieve 자동차보험 대인배상 한도
  yakkan retrieve --tier restricted "실손보험 통원 치료비"
  yakkan retrieve --doc doc-auto,doc-health --output json 면책 조항 비교
`)
}

// buildQuestion joins positional args with spaces so multi-word questions work the
// same with or without shell quoting.
func buildQuestion(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// retrieveArgsReorder moves flags that appear after the question to the front so that
// flag.Parse sees them. The flag package stops at the first non-flag argument, so
// "yakkan retrieve 보험료 --tier closed" would otherwise leave --tier unparsed.
func retrieveArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// splitIDs parses a comma-separated id list, dropping blanks.
func splitIDs(s string) []string {
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func runRetrieve() {
	args := retrieveArgsReorder(os.Args[2:])

	fs := flag.NewFlagSet("retrieve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the stores directly)")
	tier := fs.String("tier", string(models.TierPublic), "sensitivity tier: public, restricted, or closed")
	limit := fs.Int("limit", 0, "maximum passages (0 = configured default)")
	docs := fs.String("doc", "", "comma-separated document ids to restrict retrieval to")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	fs.Usage = func() { printRetrieveUsage(fs) }
	_ = fs.Parse(args)

	question := buildQuestion(fs.Args())
	if question == "" {
		printRetrieveUsage(fs)
		os.Exit(1)
	}
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	req := models.RetrieveRequest{
		Query:       question,
		Tier:        models.Tier(strings.ToLower(*tier)),
		DocumentIDs: splitIDs(*docs),
		Limit:       *limit,
	}

	var res *models.RetrievalResult
	if *serverURL != "" {
		// The server holds the bleve and SQLite locks; go through its API while it runs.
		res = new(models.RetrievalResult)
		if err := postJSON(*serverURL+"/api/v1/retrieve", req, http.StatusOK, res); err != nil {
			fmt.Fprintf(os.Stderr, "Retrieve failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		components, logger := openDirect(*configPath, nil)
		defer logger.Sync()
		defer components.Close()
		res, err = components.Orchestrator.Retrieve(context.Background(), req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Retrieve failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteRetrieval(os.Stdout, res, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	tier := fs.String("tier", "", "sensitivity tier for files (default: watch.default_tier)")
	strategy := fs.String("strategy", "", "chunking strategy: fixed, content, or semantic (default: chunking.strategy)")
	requestFile := fs.Bool("request", false, "treat the argument as a JSON ingest request with document metadata and page segments")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: yakkan ingest [flags] <file-or-directory>")
		os.Exit(1)
	}
	path := fs.Arg(0)
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	components, logger := openDirect(*configPath, func(cfg *config.Config) {
		if *strategy != "" {
			cfg.Chunking.Strategy = *strategy
		}
		if *tier != "" {
			cfg.Watch.DefaultTier = *tier
		}
	})
	defer logger.Sync()
	defer components.Close()
	cfg := components.Config

	ctx := context.Background()
	if *requestFile {
		req, err := readIngestRequest(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid ingest request: %v\n", err)
			os.Exit(1)
		}
		report, err := components.Indexer.Ingest(ctx, *req)
		if report != nil {
			_ = cli.WriteIngestReport(os.Stdout, report, format)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fileTier, err := models.ParseTier(cfg.Watch.DefaultTier)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to stat path: %v\n", err)
		os.Exit(1)
	}
	if info.IsDir() {
		n, err := components.Indexer.IngestDirectory(ctx, path, fileTier, cfg.Watch.Extensions)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ingesting directory failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Ingested %d file(s) from %s\n", n, path)
		return
	}
	// Single file: no extension filter.
	report, err := components.Indexer.IngestFile(ctx, path, fileTier, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		os.Exit(1)
	}
	if report == nil {
		fmt.Printf("Unchanged: %s\n", path)
		return
	}
	if err := cli.WriteIngestReport(os.Stdout, report, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// readIngestRequest decodes a JSON ingest request from path.
func readIngestRequest(path string) (*indexer.IngestRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var req indexer.IngestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if req.Document == nil {
		return nil, fmt.Errorf("%s: document is required", path)
	}
	return &req, nil
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = open the stores directly)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: yakkan delete [flags] <document-id>")
		os.Exit(1)
	}
	docID := fs.Arg(0)

	if *serverURL != "" {
		req, _ := http.NewRequest(http.MethodDelete, *serverURL+"/api/v1/documents/"+url.PathEscape(docID), nil)
		if err := doRequest(req, http.StatusOK, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Deletion failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Document deleted: %s\n", docID)
		return
	}

	components, logger := openDirect(*configPath, nil)
	defer logger.Sync()
	defer components.Close()
	if err := components.Indexer.DeleteDocument(context.Background(), docID); err != nil {
		fmt.Fprintf(os.Stderr, "Deletion failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Document deleted: %s\n", docID)
}

func runReconcile() {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = open the stores directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	report := new(indexer.ReconcileReport)
	if *serverURL != "" {
		if err := postJSON(*serverURL+"/api/v1/maintenance/reconcile", struct{}{}, http.StatusOK, report); err != nil {
			fmt.Fprintf(os.Stderr, "Reconcile failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		components, logger := openDirect(*configPath, nil)
		defer logger.Sync()
		defer components.Close()
		report, err = components.Indexer.Reconcile(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Reconcile failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteReconcileReport(os.Stdout, report, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the stores directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseFormat(*outputFormat)
	if err != nil || format == cli.OutputCompact {
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}

	status := new(server.StatusResponse)
	if *serverURL != "" {
		req, _ := http.NewRequest(http.MethodGet, *serverURL+"/api/v1/status", nil)
		if err := doRequest(req, http.StatusOK, status); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		components, logger := openDirect(*configPath, nil)
		defer logger.Sync()
		defer components.Close()
		srv := server.NewServer(components.Orchestrator, components.Indexer, components.Storage, components.Config,
			server.WithLogger(logger),
			server.WithUsage(components.Router),
			server.WithVectorCounter(components.Vectors),
		)
		status, err = srv.Status(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
	}

	if format == cli.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
		return
	}
	writeStatusText(os.Stdout, status)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeStatusText(w io.Writer, status *server.StatusResponse) {
	fmt.Fprintf(w, "documents:          %d   # registered documents\n", status.Documents)
	fmt.Fprintf(w, "chunks:             %d   # stored chunks\n", status.Chunks)
	fmt.Fprintf(w, "pending_deletes:    %d   # deletes awaiting reconcile\n", status.PendingDeletes)
	for _, partition := range sortedKeys(status.Vectors) {
		fmt.Fprintf(w, "vectors[%s]: %d\n", partition, status.Vectors[partition])
	}
	if status.Disk != nil {
		fmt.Fprintf(w, "disk_usage_bytes:   %d   # database + indices on disk\n", status.Disk.Total)
	}
	if len(status.Embedding) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# embedding usage")
		for _, u := range status.Embedding {
			fmt.Fprintf(w, "%s: calls=%d items=%d tokens=%d cost=$%.4f success=%.0f%% latency=%.0fms batch=%d\n",
				u.Model, u.Calls, u.Items, u.Tokens, u.Cost, u.SuccessRate*100, u.AvgLatencyMs, u.BatchSize)
		}
	}
	if len(status.WatchedDirs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# watched directories")
		for _, d := range status.WatchedDirs {
			fmt.Fprintln(w, d)
		}
	}
	if c := status.Config; c != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# configuration")
		for _, tier := range sortedKeys(c.Tiers) {
			fmt.Fprintf(w, "tier[%s]: %s\n", tier, c.Tiers[tier])
		}
		fmt.Fprintf(w, "vector_backend:     %s\n", c.VectorBackend)
		fmt.Fprintf(w, "chunk_strategy:     %s\n", c.ChunkStrategy)
		fmt.Fprintf(w, "chunk_target:       %d\n", c.ChunkTargetTokens)
		fmt.Fprintf(w, "rerank_enabled:     %t\n", c.RerankEnabled)
		fmt.Fprintf(w, "max_context_tokens: %d\n", c.MaxContextTokens)
		if c.DatabasePath != "" {
			fmt.Fprintf(w, "database_path:      %s\n", c.DatabasePath)
		}
		if c.BleveIndexPath != "" {
			fmt.Fprintf(w, "bleve_index_path:   %s\n", c.BleveIndexPath)
		}
		if c.VectorSnapshotPath != "" {
			fmt.Fprintf(w, "vector_snapshots:   %s\n", c.VectorSnapshotPath)
		}
	}
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: yakkan watch <add|remove|list> [path]")
		fmt.Println("  yakkan watch add <path>     Add directory to watch")
		fmt.Println("  yakkan watch remove <path>  Remove directory from watch")
		fmt.Println("  yakkan watch list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(os.Args[3:])
	switch sub {
	case "add":
		if fs.NArg() < 1 {
			fmt.Println("Usage: yakkan watch add <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		body := map[string]interface{}{"path": path, "sync": true}
		if err := postJSON(*serverURL+"/api/v1/watch/directories", body, http.StatusCreated, nil); err != nil {
			fmt.Printf("Add failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Added: %s\n", path)
	case "remove":
		if fs.NArg() < 1 {
			fmt.Println("Usage: yakkan watch remove <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		req, _ := http.NewRequest(http.MethodDelete, *serverURL+"/api/v1/watch/directories?path="+url.QueryEscape(path), nil)
		if err := doRequest(req, http.StatusOK, nil); err != nil {
			fmt.Printf("Remove failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		var out struct {
			Directories []string `json:"directories"`
		}
		req, _ := http.NewRequest(http.MethodGet, *serverURL+"/api/v1/watch/directories", nil)
		if err := doRequest(req, http.StatusOK, &out); err != nil {
			fmt.Printf("List failed: %v\n", err)
			os.Exit(1)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	default:
		fmt.Printf("Unknown watch subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func postJSON(endpoint string, body interface{}, wantStatus int, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(req, wantStatus, out)
}

// doRequest sends req and decodes the JSON body into out when it is non-nil. A status
// other than wantStatus is an error carrying the server's message.
func doRequest(req *http.Request, wantStatus int, out interface{}) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// openDirect loads config, applies override and opens every component, exiting on failure.
func openDirect(configPath string, override func(*config.Config)) (*Components, *zap.Logger) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if override != nil {
		override(cfg)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	return components, logger
}

// Components holds initialized services.
type Components struct {
	Config       *config.Config
	Storage      storage.Storage
	Router       *embedding.Router
	Vectors      *vector.Store
	Keywords     keyword.Index
	Indexer      *indexer.Indexer
	Orchestrator *retrieval.Orchestrator
	Metrics      *metrics.Collector
	logger       *zap.Logger
}

// Close snapshots in-memory vectors and releases every store.
func (c *Components) Close() {
	if c.Vectors != nil {
		if err := c.Vectors.Save(); err != nil {
			c.logger.Warn("vector snapshot save failed",
				zap.String("path", c.Config.Storage.VectorSnapshotPath), zap.Error(err))
		}
		_ = c.Vectors.Close()
	}
	if c.Keywords != nil {
		_ = c.Keywords.Close()
	}
	if c.Router != nil {
		_ = c.Router.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

// embeddingBackends creates one backend per registry model. A model whose backend cannot be
// created is left out: the router reports its tiers as unavailable instead of storing
// vectors from another model under its name.
func embeddingBackends(cfg *config.EmbeddingConfig, logger *zap.Logger) map[string]embedding.Embedder {
	backends := make(map[string]embedding.Embedder, len(cfg.Models))
	for _, m := range cfg.Models {
		b, err := embedding.NewBackend(m)
		if err != nil {
			logger.Warn("embedding backend unavailable; tiers routed to this model cannot embed",
				zap.String("model", m.Name), zap.String("backend", m.Backend), zap.Error(err))
			continue
		}
		backends[m.Name] = b
	}
	return backends
}

// partitionSpecs returns one vector partition per model the tier policy routes to.
func partitionSpecs(policy *embedding.TierPolicy) []vector.PartitionSpec {
	var specs []vector.PartitionSpec
	for _, m := range policy.Models() {
		name := m.Partition
		if name == "" {
			name = embedding.PartitionName(m.Name, m.Dimensions)
		}
		specs = append(specs, vector.PartitionSpec{Name: name, Model: m.Name, Dimensions: m.Dimensions})
	}
	return specs
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{Config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Storage = store
	c.Metrics = metrics.NewCollector("yakkan", logger)

	tok, err := tokenizer.New(cfg.Chunking.Tokenizer)
	if err != nil {
		logger.Warn("tokenizer unavailable, counting words instead",
			zap.String("tokenizer", cfg.Chunking.Tokenizer), zap.Error(err))
		tok = tokenizer.NewWord()
	}

	policy, err := embedding.PolicyFromConfig(&cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("invalid tier policy: %w", err)
	}
	router, err := embedding.NewRouter(policy, embeddingBackends(&cfg.Embedding, logger), &cfg.Embedding,
		embedding.WithLogger(logger),
		embedding.WithObserver(c.Metrics),
		embedding.WithTokenizer(tok),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding router: %w", err)
	}
	c.Router = router

	vectors, err := vector.OpenStore(context.Background(), &cfg.Vector, partitionSpecs(policy),
		vector.WithLogger(logger),
		vector.WithSnapshotDir(cfg.Storage.VectorSnapshotPath),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}
	c.Vectors = vectors
	logger.Info("vector store initialized",
		zap.String("backend", cfg.Vector.Backend),
		zap.Int("partitions", len(policy.Models())))

	analyzer := query.NewAnalyzer(cfg.Query.ExtraTerms, cfg.Query.ExtraStopWords)
	keywords, err := keyword.NewBleveIndex(cfg.Storage.BleveIndexPath, analyzer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}
	c.Keywords = keywords

	chunker := indexer.NewChunker(tok, &cfg.Chunking, indexer.WithChunkerLogger(logger))
	c.Indexer = indexer.NewIndexer(store, router, vectors, keywords, chunker, extract.NewExtractor(),
		indexer.WithLogger(logger),
		indexer.WithStrategy(models.ChunkStrategy(cfg.Chunking.Strategy)),
		indexer.WithConcurrency(cfg.Embedding.Concurrency),
	)

	engine := search.NewEngine(store, vectors, keywords, analyzer, &cfg.Search, search.WithLogger(logger))
	var reranker retrieval.Reranker
	if cfg.Rerank.EnabledOrDefault() {
		reranker = rerank.New(rerank.NewLexicalScorer(analyzer), &cfg.Rerank, rerank.WithLogger(logger))
	}
	c.Orchestrator = retrieval.New(
		query.NewProcessor(analyzer, &cfg.Query, query.WithLogger(logger)),
		router, engine, reranker, store,
		&cfg.Retrieval, &cfg.Search,
		retrieval.WithLogger(logger),
		retrieval.WithObserver(c.Metrics),
		retrieval.WithTokenizer(tok),
	)
	ok = true
	return c, nil
}

func printUsage() {
	fmt.Println(`yakkan - Retrieval core for insurance policy documents

Usage:
  yakkan server [flags]              Start the HTTP server
  yakkan retrieve [flags] <question> Retrieve cited passages for a question
  yakkan ingest [flags] <path>       Ingest a file, a directory, or a JSON ingest request
  yakkan delete [flags] <id>         Delete a document from every store
  yakkan status [flags]              Show corpus, embedding and storage status
  yakkan reconcile [flags]           Repair drift between the registry and the indices
  yakkan watch <add|remove|list>     Manage watched directories
  yakkan version                     Show version
  yakkan help                        Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/yakkan/config.yaml)
  --debug            Enable debug logging

Retrieve Flags:
  --config string    Config file path (direct mode)
  --server string    Server URL (default: http://localhost:8080). Use --server "" to open the stores directly.
  --tier string      Sensitivity tier: public, restricted, or closed (default: public)
  --limit int        Maximum passages (default from config)
  --doc string       Comma-separated document ids to restrict retrieval to
  --output string    Output format: text, compact, or json (default: text)

Ingest Flags:
  --config string    Config file path
  --tier string      Tier for ingested files (default: watch.default_tier)
  --strategy string  Chunking strategy: fixed, content, or semantic
  --request          Treat the argument as a JSON ingest request
  --output string    Output format: text or json

Delete / Reconcile Flags:
  --config string    Config file path
  --server string    Server URL (default: empty, open the stores directly)

Status Flags:
  --config string    Config file path (direct mode)
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct mode.
  --output string    Output format: text or json (default: text)

Watch Flags:
  --server string    Server URL (default: http://localhost:8080)

Examples:
  yakkan server
  yakkan retrieve 자동차보험 자기부담금
  yakkan retrieve --tier closed --output json "암 진단비 지급 조건"
  yakkan ingest --tier restricted ./policies
  yakkan ingest --request ./auto-policy.json
  yakkan delete doc-auto
  yakkan reconcile
  yakkan status --output json
  yakkan watch add /path/to/policies`)
}
