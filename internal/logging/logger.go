// Package logging provides config-driven categorized logging for rentreclaim.
// Each category writes to its own file under .reclaim/logs/ when debug_mode is
// on; otherwise category loggers are no-ops and only the CLI root logger emits.
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

// Category represents a log category/system
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup, config load
	CategoryStore        Category = "store"        // Account store operations
	CategoryRPC          Category = "rpc"          // Ledger RPC calls and retries
	CategoryScanner      Category = "scanner"      // Signature paging, creation detection
	CategoryEligibility  Category = "eligibility"  // Verdicts
	CategoryReclaim      Category = "reclaim"      // Transaction build, submit, confirm
	CategoryTreasury     Category = "treasury"     // Passive reclaim detection
	CategoryOrchestrator Category = "orchestrator" // Cycles and scheduling
	CategoryNotify       Category = "notify"       // Alert delivery
	CategoryMetrics      Category = "metrics"      // Status server
	CategoryUI           Category = "ui"           // Dashboard
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string
	Format     string
	DebugMode  bool
	Categories map[string]bool
}

var (
	loggers   = make(map[Category]*zap.SugaredLogger)
	closers   []func() error
	loggersMu sync.RWMutex
	logsDir   string
	cfg       Config
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	nop       = zap.NewNop().Sugar()
)

// Initialize sets up the logs directory for a workspace. It may be called
// again (tests, config reload); existing category loggers are closed.
func Initialize(workspace string, c Config) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	CloseAll()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	cfg = c
	logsDir = filepath.Join(workspace, ".reclaim", "logs")
	if err := level.UnmarshalText([]byte(levelOrDefault(c.Level))); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	if !cfg.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

func levelOrDefault(l string) string {
	if l == "" {
		return "info"
	}
	return l
}

// IsCategoryEnabled reports whether a category would write anything.
func IsCategoryEnabled(category Category) bool {
	loggersMu.RLock()
	defer loggersMu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if !cfg.DebugMode || logsDir == "" {
		return false
	}
	if cfg.Categories == nil {
		return true
	}
	enabled, ok := cfg.Categories[string(category)]
	return !ok || enabled
}

// Get returns the logger for a category, creating its file on first use.
func Get(category Category) *zap.SugaredLogger {
	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}
	if !categoryEnabledLocked(category) {
		return nop
	}

	path := filepath.Join(logsDir, string(category)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", path, err)
		return nop
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Format == "console" || cfg.Format == "text" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(f), level)
	l := zap.New(core).Named(string(category)).Sugar()
	loggers[category] = l
	closers = append(closers, func() error {
		_ = l.Sync()
		return f.Close()
	})
	return l
}

// CloseAll flushes and closes every category file and the audit log.
func CloseAll() {
	CloseAudit()
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, c := range closers {
		_ = c()
	}
	closers = nil
	loggers = make(map[Category]*zap.SugaredLogger)
}

// Store logs to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Infof(format, args...) }

// StoreDebug logs a debug message to the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debugf(format, args...) }

// RPC logs to the rpc category.
func RPC(format string, args ...interface{}) { Get(CategoryRPC).Infof(format, args...) }

// RPCWarn logs a warning to the rpc category.
func RPCWarn(format string, args ...interface{}) { Get(CategoryRPC).Warnf(format, args...) }

// Scanner logs to the scanner category.
func Scanner(format string, args ...interface{}) { Get(CategoryScanner).Infof(format, args...) }

// ScannerWarn logs a warning to the scanner category.
func ScannerWarn(format string, args ...interface{}) { Get(CategoryScanner).Warnf(format, args...) }

// Reclaim logs to the reclaim category.
func Reclaim(format string, args ...interface{}) { Get(CategoryReclaim).Infof(format, args...) }

// ReclaimError logs an error to the reclaim category.
func ReclaimError(format string, args ...interface{}) { Get(CategoryReclaim).Errorf(format, args...) }

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures one operation.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop logs the elapsed time at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debugf("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold warns when the operation exceeded threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warnf("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debugf("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
