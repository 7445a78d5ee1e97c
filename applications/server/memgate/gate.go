// Package memgate bounds how many heavy file operations run at once.
//
// Files are split in two size classes by a threshold; each class has its own
// ceiling of concurrently active operations. The gate is process-local and
// keeps no state across restarts.
package memgate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxConcurrent        = 10
	defaultMaxLargeConcurrent   = 5
	defaultLargeFileThresholdMB = 10
	defaultMaxBatchSizeMB       = 5000
	defaultRecommendedMaxFiles  = 100

	bytesInMB = 1024 * 1024
)

type Class string

const (
	ClassSmall Class = "small"
	ClassLarge Class = "large"
)

type Config struct {
	MaxConcurrent        int `yaml:"max_concurrent" validate:"gte=0"`
	MaxLargeConcurrent   int `yaml:"max_large_concurrent" validate:"gte=0"`
	LargeFileThresholdMB int `yaml:"large_file_threshold_mb" validate:"gte=0"`
	MaxBatchSizeMB       int `yaml:"max_batch_size_mb" validate:"gte=0"`
	RecommendedMaxFiles  int `yaml:"recommended_max_files" validate:"gte=0"`
}

// WithDefaults returns a copy of c where zero values are replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.MaxLargeConcurrent <= 0 {
		c.MaxLargeConcurrent = defaultMaxLargeConcurrent
	}
	if c.LargeFileThresholdMB <= 0 {
		c.LargeFileThresholdMB = defaultLargeFileThresholdMB
	}
	if c.MaxBatchSizeMB <= 0 {
		c.MaxBatchSizeMB = defaultMaxBatchSizeMB
	}
	if c.RecommendedMaxFiles <= 0 {
		c.RecommendedMaxFiles = defaultRecommendedMaxFiles
	}
	return c
}

// Observer receives gate occupancy changes, e.g. to export them as metrics.
type Observer interface {
	ObserveActive(class Class, active int)
	ObserveWait(class Class, wait time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveActive(Class, int)         {}
func (nopObserver) ObserveWait(Class, time.Duration) {}

type Option func(*Gate)

func WithObserver(o Observer) Option {
	return func(g *Gate) {
		if o != nil {
			g.observer = o
		}
	}
}

func WithLogger(logger log.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

type Gate struct {
	cfg          Config
	threshold    int64
	maxBatchSize int64

	small       *semaphore.Weighted
	large       *semaphore.Weighted
	activeSmall atomic.Int64
	activeLarge atomic.Int64

	observer Observer
	logger   log.Logger
}

func New(cfg Config, opts ...Option) *Gate {
	cfg = cfg.WithDefaults()

	g := &Gate{
		cfg:          cfg,
		threshold:    int64(cfg.LargeFileThresholdMB) * bytesInMB,
		maxBatchSize: int64(cfg.MaxBatchSizeMB) * bytesInMB,
		small:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		large:        semaphore.NewWeighted(int64(cfg.MaxLargeConcurrent)),
		observer:     nopObserver{},
		logger:       log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

type BatchSizeCheck struct {
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
	TotalSize int64  `json:"totalSize"`
}

// ValidateBatchSize checks the cumulative size of a batch against the hard
// ceiling. TotalSize is filled in whether or not the batch is valid.
func (g *Gate) ValidateBatchSize(sizes []int64) BatchSizeCheck {
	var total int64
	for _, s := range sizes {
		total += s
	}

	if total > g.maxBatchSize {
		return BatchSizeCheck{
			TotalSize: total,
			Error: fmt.Sprintf("total batch size %s exceeds maximum %s",
				humanize.IBytes(uint64(total)), humanize.IBytes(uint64(g.maxBatchSize))),
		}
	}

	return BatchSizeCheck{Valid: true, TotalSize: total}
}

func (g *Gate) IsLargeFile(fileSize int64) bool {
	return fileSize > g.threshold
}

func (g *Gate) slot(fileSize int64) (Class, *semaphore.Weighted, *atomic.Int64) {
	if g.IsLargeFile(fileSize) {
		return ClassLarge, g.large, &g.activeLarge
	}
	return ClassSmall, g.small, &g.activeSmall
}

// ProcessWithControl waits for a free slot in the class of fileSize, runs op
// and releases the slot whatever op returns. It fails without running op only
// when ctx is done before a slot frees up.
func (g *Gate) ProcessWithControl(ctx context.Context, fileSize int64, op func(ctx context.Context) error) error {
	class, sem, active := g.slot(fileSize)

	start := time.Now()
	if err := sem.Acquire(ctx, 1); err != nil {
		level.Warn(g.logger).Log("msg", "memory gate wait aborted",
			"class", class,
			"size", humanize.IBytes(uint64(fileSize)),
			"err", err,
		)
		return fmt.Errorf("can't acquire %s file slot: %w", class, err)
	}
	g.observer.ObserveWait(class, time.Since(start))
	g.observer.ObserveActive(class, int(active.Add(1)))

	defer func() {
		n := active.Add(-1)
		sem.Release(1)
		g.observer.ObserveActive(class, int(n))
	}()

	return op(ctx)
}

type Status struct {
	ActiveOperations     int `json:"activeOperations"`
	ActiveSmall          int `json:"activeSmall"`
	ActiveLarge          int `json:"activeLarge"`
	MaxConcurrent        int `json:"maxConcurrent"`
	MaxLargeConcurrent   int `json:"maxLargeConcurrent"`
	LargeFileThresholdMB int `json:"largeFileThresholdMB"`
}

func (g *Gate) Status() Status {
	small := int(g.activeSmall.Load())
	large := int(g.activeLarge.Load())

	return Status{
		ActiveOperations:     small + large,
		ActiveSmall:          small,
		ActiveLarge:          large,
		MaxConcurrent:        g.cfg.MaxConcurrent,
		MaxLargeConcurrent:   g.cfg.MaxLargeConcurrent,
		LargeFileThresholdMB: g.cfg.LargeFileThresholdMB,
	}
}

// WaitForCompletion blocks until no operation is active or timeout elapses.
// New operations are held back while it drains. Meant for shutdown.
func (g *Gate) WaitForCompletion(timeout time.Duration) bool {
	if g.Status().ActiveOperations == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	small, large := int64(g.cfg.MaxConcurrent), int64(g.cfg.MaxLargeConcurrent)
	if err := g.small.Acquire(ctx, small); err != nil {
		return false
	}
	defer g.small.Release(small)

	if err := g.large.Acquire(ctx, large); err != nil {
		return false
	}
	g.large.Release(large)

	return true
}

type Recommendation struct {
	MaxFiles           int `json:"maxFiles"`
	MaxBatchSizeMB     int `json:"maxBatchSizeMB"`
	MaxLargeConcurrent int `json:"maxLargeConcurrent"`
}

func (g *Gate) RecommendedBatchSize() Recommendation {
	return Recommendation{
		MaxFiles:           g.cfg.RecommendedMaxFiles,
		MaxBatchSizeMB:     g.cfg.MaxBatchSizeMB,
		MaxLargeConcurrent: g.cfg.MaxLargeConcurrent,
	}
}
