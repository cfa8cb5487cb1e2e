package vector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/pkg/utils"
)

// BackendType selects the partition implementation.
type BackendType string

const (
	// BackendMemory uses in-memory brute-force partitions with optional snapshots on disk.
	BackendMemory BackendType = "memory"
	// BackendPostgres uses one pgvector table per partition.
	BackendPostgres BackendType = "postgres"
)

// Store routes vector operations to the partition of the embedding model.
// The partition set is fixed at construction.
type Store struct {
	partitions  map[string]Partition
	specs       map[string]PartitionSpec
	pool        *pgxpool.Pool
	snapshotDir string
	logger      *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// WithSnapshotDir loads memory partitions from dir and enables Save.
func WithSnapshotDir(dir string) StoreOption {
	return func(s *Store) {
		s.snapshotDir = dir
	}
}

// NewStore builds a store over ready partitions keyed by model name.
func NewStore(partitions map[string]Partition, specs []PartitionSpec, opts ...StoreOption) *Store {
	s := &Store{partitions: partitions, specs: make(map[string]PartitionSpec, len(specs))}
	for _, spec := range specs {
		s.specs[spec.Model] = spec
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = utils.LoggerOrNop(s.logger)
	return s
}

// OpenStore creates one partition per spec using the configured backend.
func OpenStore(ctx context.Context, cfg *config.VectorConfig, specs []PartitionSpec, opts ...StoreOption) (*Store, error) {
	s := NewStore(make(map[string]Partition, len(specs)), specs, opts...)
	switch BackendType(cfg.Backend) {
	case BackendMemory, "":
		for _, spec := range specs {
			p, err := NewMemoryPartition(spec)
			if err != nil {
				return nil, fmt.Errorf("partition %s: %w", spec.Name, err)
			}
			if err := p.Load(s.snapshotPath(spec)); err != nil {
				return nil, fmt.Errorf("load partition %s: %w", spec.Name, err)
			}
			s.partitions[spec.Model] = p
		}
	case BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.pool = pool
		for _, spec := range specs {
			p, err := NewPGPartition(ctx, pool, spec, cfg)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("partition %s: %w", spec.Name, err)
			}
			if !p.indexed {
				s.logger.Info("partition exceeds approximate index dimensions; using exact scan",
					zap.String("partition", spec.Name), zap.Int("dimensions", spec.Dimensions))
			}
			s.partitions[spec.Model] = p
		}
	default:
		return nil, fmt.Errorf("unknown vector backend: %s (supported: memory, postgres)", cfg.Backend)
	}
	return s, nil
}

func (s *Store) snapshotPath(spec PartitionSpec) string {
	if s.snapshotDir == "" {
		return ""
	}
	return filepath.Join(s.snapshotDir, spec.Name+".bin")
}

func (s *Store) partition(op, model string, dims int) (Partition, error) {
	p, ok := s.partitions[model]
	if !ok {
		return nil, errs.Validation(op, "no vector partition for model %s", model)
	}
	if spec := s.specs[model]; dims != spec.Dimensions {
		return nil, errs.Validation(op, "model %s stores %d dimensions, got %d", model, spec.Dimensions, dims)
	}
	return p, nil
}

// Upsert writes records to the partition of model. Every vector must match its dimensionality.
func (s *Store) Upsert(ctx context.Context, model string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	p, err := s.partition("vector.upsert", model, len(records[0].Vector))
	if err != nil {
		return err
	}
	return p.Upsert(ctx, records)
}

// Query searches only the partition of model.
func (s *Store) Query(ctx context.Context, model string, vec []float32, k int, filter Filter) ([]Hit, error) {
	p, err := s.partition("vector.query", model, len(vec))
	if err != nil {
		return nil, err
	}
	return p.Query(ctx, vec, k, filter)
}

// DeleteDocument removes the document's chunks from every partition, since a document may
// have been embedded under another tier before.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	total := 0
	var errList []error
	for _, model := range s.Models() {
		n, err := s.partitions[model].DeleteDocument(ctx, documentID)
		if err != nil {
			errList = append(errList, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errList...)
}

// DeleteChunks removes chunk IDs from every partition.
func (s *Store) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	var errList []error
	for _, model := range s.Models() {
		if err := s.partitions[model].DeleteChunks(ctx, chunkIDs); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// ListChunks returns the chunks stored in any partition.
func (s *Store) ListChunks(ctx context.Context) ([]ChunkRef, error) {
	var all []ChunkRef
	for _, model := range s.Models() {
		refs, err := s.partitions[model].ListChunks(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, refs...)
	}
	return all, nil
}

// Counts returns the vector count per partition name.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(s.partitions))
	for model, p := range s.partitions {
		n, err := p.Count(ctx)
		if err != nil {
			return nil, err
		}
		out[s.specs[model].Name] = n
	}
	return out, nil
}

// Models returns the partitioned model names, sorted.
func (s *Store) Models() []string {
	out := make([]string, 0, len(s.partitions))
	for m := range s.partitions {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Save snapshots memory partitions to the snapshot directory.
func (s *Store) Save() error {
	if s.snapshotDir == "" {
		return nil
	}
	for model, p := range s.partitions {
		mp, ok := p.(*MemoryPartition)
		if !ok {
			continue
		}
		if err := mp.Save(s.snapshotPath(s.specs[model])); err != nil {
			return fmt.Errorf("save partition %s: %w", model, err)
		}
	}
	return nil
}

// Close closes partitions and the shared pool.
func (s *Store) Close() error {
	var errList []error
	for _, p := range s.partitions {
		if err := p.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return errors.Join(errList...)
}
