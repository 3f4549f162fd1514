package aof

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// FsyncPolicy selects how aggressively the Writer syncs the tail
// segment to stable storage, spec.md §3.
type FsyncPolicy int8

const (
	FsyncNever FsyncPolicy = iota
	FsyncEverySec
	FsyncAlways
)

func (p FsyncPolicy) String() string {
	switch p {
	case FsyncAlways:
		return "always"
	case FsyncEverySec:
		return "everysec"
	default:
		return "no"
	}
}

// Clock abstracts wall-clock and monotonic-millisecond time, the
// "wall clock, monotonic ms clock" consumed interfaces from spec.md
// §6. Tests inject a fake to drive fsync-postponement and rate-limiter
// scenarios deterministically.
type Clock interface {
	NowMs() int64
	NowUnixSec() int64
}

// Config collects the operator-surface toggles spec.md §6 documents as
// external collaborators (fsync policy, truncated-load tolerance,
// rewrite thresholds, directory name, prefix). cmd/server binds these
// to cobra/viper flags; the aof package itself only sees this struct.
type Config struct {
	Dir    string
	Prefix string

	FsyncPolicy          FsyncPolicy
	NoFsyncOnRewrite      bool
	TimestampAnnotations bool
	AllowTruncatedLoad   bool

	// RewriteGrowthPercent triggers an automatic rewrite once the AOF
	// has grown this percent past its size at the last rewrite.
	RewriteGrowthPercent int
	// RewriteMinSizeBytes floors the growth-percent check so a tiny
	// freshly rewritten AOF doesn't retrigger immediately.
	RewriteMinSizeBytes int64

	BIOConcurrency int64

	Clock   Clock
	Logger  *zap.Logger
	Metrics prometheus.Registerer
}

// Option mutates a Config being built by Open, following the
// teacher's functional-option pattern (core/db.go's WithXxx family).
type Option func(*Config)

func WithFsyncPolicy(p FsyncPolicy) Option { return func(c *Config) { c.FsyncPolicy = p } }
func WithNoFsyncOnRewrite(b bool) Option   { return func(c *Config) { c.NoFsyncOnRewrite = b } }
func WithTimestampAnnotations(b bool) Option {
	return func(c *Config) { c.TimestampAnnotations = b }
}
func WithAllowTruncatedLoad(b bool) Option { return func(c *Config) { c.AllowTruncatedLoad = b } }
func WithRewriteGrowthPercent(p int) Option {
	return func(c *Config) { c.RewriteGrowthPercent = p }
}
func WithRewriteMinSize(n int64) Option  { return func(c *Config) { c.RewriteMinSizeBytes = n } }
func WithBIOConcurrency(n int64) Option  { return func(c *Config) { c.BIOConcurrency = n } }
func WithClock(c2 Clock) Option          { return func(c *Config) { c.Clock = c2 } }
func WithLogger(l *zap.Logger) Option    { return func(c *Config) { c.Logger = l } }
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(c *Config) { c.Metrics = r }
}

func defaultConfig(dir string) Config {
	return Config{
		Dir:                  dir,
		Prefix:               "appendonly",
		FsyncPolicy:          FsyncEverySec,
		NoFsyncOnRewrite:     false,
		TimestampAnnotations: true,
		AllowTruncatedLoad:   false,
		RewriteGrowthPercent: 100,
		RewriteMinSizeBytes:  64 * 1024 * 1024,
		BIOConcurrency:       4,
		Clock:                realClock{},
		Logger:               zap.NewNop(),
	}
}

type realClock struct{}

func (realClock) NowMs() int64 {
	return time.Now().UnixMilli()
}

func (realClock) NowUnixSec() int64 {
	return time.Now().Unix()
}
