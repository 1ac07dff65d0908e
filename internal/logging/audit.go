package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names one fund-moving or state-resetting event.
type AuditEventType string

const (
	// Cycle events
	AuditCycleStart    AuditEventType = "cycle_start"
	AuditCycleComplete AuditEventType = "cycle_complete"

	// Reclaim events, one per recorded attempt
	AuditReclaimSuccess   AuditEventType = "reclaim_success"
	AuditReclaimSimulated AuditEventType = "reclaim_simulated"
	AuditReclaimFailed    AuditEventType = "reclaim_failed"

	// Treasury events
	AuditPassiveReclaim AuditEventType = "passive_reclaim"

	// Operator actions
	AuditCheckpointReset AuditEventType = "checkpoint_reset"
	AuditConfigReload    AuditEventType = "config_reload"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`                // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	Category   string                 `json:"cat,omitempty"`
	Account    string                 `json:"account,omitempty"`
	Signature  string                 `json:"signature,omitempty"`
	Lamports   uint64                 `json:"lamports,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditPath   string
	auditMu     sync.Mutex
	auditLogger = &AuditLogger{}
)

// AuditLogger writes audit events. The zero value logs with no category.
type AuditLogger struct {
	category Category
}

// IsDebugMode reports whether Initialize enabled debug output.
func IsDebugMode() bool {
	loggersMu.RLock()
	defer loggersMu.RUnlock()
	return cfg.DebugMode && logsDir != ""
}

// InitAudit opens today's audit file. It is a no-op outside debug mode or
// when the file is already open.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	loggersMu.RLock()
	dir := logsDir
	loggersMu.RUnlock()

	path := filepath.Join(dir, time.Now().Format("2006-01-02")+"_audit.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	auditPath = path
	return nil
}

// AuditPath returns the open audit file, or "" when auditing is off.
func AuditPath() string {
	auditMu.Lock()
	defer auditMu.Unlock()
	return auditPath
}

// CloseAudit closes the audit file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
		auditPath = ""
	}
}

// Audit returns the shared audit logger.
func Audit() *AuditLogger {
	return auditLogger
}

// AuditFor returns an audit logger that tags events with category.
func AuditFor(category Category) *AuditLogger {
	return &AuditLogger{category: category}
}

// Log writes one event as a JSON line.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// =============================================================================
// CONVENIENCE METHODS
// =============================================================================

// CycleStart records the start of an orchestrated cycle.
func (a *AuditLogger) CycleStart(dryRun bool) {
	a.Log(AuditEvent{
		EventType: AuditCycleStart,
		Success:   true,
		Fields:    map[string]interface{}{"dry_run": dryRun},
		Message:   "Cycle started",
	})
}

// CycleComplete records a finished cycle with its one-line summary.
func (a *AuditLogger) CycleComplete(summary string, recovered uint64, durationMs int64, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditCycleComplete,
		Lamports:   recovered,
		Success:    errMsg == "",
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    summary,
	})
}

// Reclaim records one reclaim attempt. outcome is success, simulated or failed.
func (a *AuditLogger) Reclaim(account, outcome, signature string, lamports uint64, attempts int, reason string) {
	event := AuditEvent{
		Account:   account,
		Signature: signature,
		Lamports:  lamports,
		Fields:    map[string]interface{}{"attempts": attempts},
	}
	switch outcome {
	case "success":
		event.EventType = AuditReclaimSuccess
		event.Success = true
		event.Message = fmt.Sprintf("Closed %s, %d lamports to treasury", account, lamports)
	case "simulated":
		event.EventType = AuditReclaimSimulated
		event.Success = true
		event.Message = fmt.Sprintf("Simulated close of %s, %d lamports", account, lamports)
	default:
		event.EventType = AuditReclaimFailed
		event.Error = reason
		event.Message = fmt.Sprintf("Close of %s failed after %d attempt(s)", account, attempts)
	}
	a.Log(event)
}

// PassiveReclaim records an unexplained treasury increase.
func (a *AuditLogger) PassiveReclaim(lamports uint64, confidence string, candidates []string) {
	a.Log(AuditEvent{
		EventType: AuditPassiveReclaim,
		Lamports:  lamports,
		Success:   true,
		Fields:    map[string]interface{}{"confidence": confidence, "candidates": candidates},
		Message:   fmt.Sprintf("Passive reclaim of %d lamports (%s confidence)", lamports, confidence),
	})
}

// CheckpointReset records an operator clearing the scan checkpoint.
func (a *AuditLogger) CheckpointReset(lastSignature string) {
	a.Log(AuditEvent{
		EventType: AuditCheckpointReset,
		Signature: lastSignature,
		Success:   true,
		Message:   "Scan checkpoint cleared",
	})
}

// ConfigReload records a policy reload, successful or not.
func (a *AuditLogger) ConfigReload(path string, err error) {
	event := AuditEvent{
		EventType: AuditConfigReload,
		Success:   err == nil,
		Fields:    map[string]interface{}{"path": path},
		Message:   "Policy reloaded from " + path,
	}
	if err != nil {
		event.Error = err.Error()
		event.Message = "Policy reload failed, keeping previous policy"
	}
	a.Log(event)
}
