// Package logging provides categorized zap-backed logging for ACMS.
// Each category writes to its own file under <data_dir>/logs/ so that a
// single subsystem can be inspected in isolation. When debug mode is off,
// only warn-and-above is emitted, to a single combined file.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"
	CategoryStore     Category = "store"
	CategoryCrypto    Category = "crypto"
	CategoryEmbedding Category = "embedding"
	CategoryCRS       Category = "crs"
	CategoryPolicy    Category = "policy"
	CategoryTier      Category = "tier"
	CategoryRehydrate Category = "rehydrate"
	CategoryOutcome   Category = "outcome"
	CategoryScheduler Category = "scheduler"
	CategoryAdapter   Category = "adapter"
)

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*zap.SugaredLogger)
	logsDir   string
	debugMode bool
	nop       = zap.NewNop().Sugar()
)

// Initialize sets up the logging directory. Must be called once at startup;
// before initialization all loggers are no-ops.
func Initialize(dataDir string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	logsDir = filepath.Join(dataDir, "logs")
	debugMode = debug
	loggers = make(map[Category]*zap.SugaredLogger)

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	dir := logsDir
	mu.RUnlock()

	if dir == "" {
		return nop
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}

	level := zapcore.WarnLevel
	if debugMode {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	path := filepath.Join(dir, string(cat)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		loggers[cat] = nop
		return nop
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level)
	l := zap.New(core).Sugar().With("cat", string(cat))
	loggers[cat] = l
	return l
}

// =============================================================================
// OPERATION TIMERS
// =============================================================================

// Timer measures the duration of a named operation.
type Timer struct {
	cat   Category
	op    string
	start time.Time
}

// StartTimer begins timing an operation; Stop logs the elapsed time at debug.
func StartTimer(cat Category, op string) *Timer {
	return &Timer{cat: cat, op: op, start: time.Now()}
}

// Stop logs the elapsed duration and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	Get(t.cat).Debugw("operation complete", "op", t.op, "duration", d)
	return d
}
