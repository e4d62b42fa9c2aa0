// Package audit records a JSONL trail of administrative chat commands
// (/register, /unregister, /task, /pipeline, ...): who ran what, whether it
// was allowed, and why.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neuralcollective/borg/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	ChatID    string `json:"chat_id"`
	Sender    string `json:"sender"`
	Command   string `json:"command"`
	Decision  string `json:"decision"` // "allowed" | "denied"
	Reason    string `json:"reason,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// Init opens (creating if needed) dataDir/logs/audit.jsonl for appending.
// Calling Init again after a prior successful call is a no-op.
func Init(dataDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close releases the underlying file handle.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DeniedCount returns the total number of denied commands since startup.
func DeniedCount() int64 {
	return denyCount.Load()
}

// Record appends one audit entry. reason is redacted before persistence,
// since command-handler rejection text sometimes echoes back user input
// that may itself contain leaked credentials.
func Record(chatID, sender, command, decision, reason string) {
	if decision == "denied" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}

	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ChatID:    chatID,
		Sender:    sender,
		Command:   command,
		Decision:  decision,
		Reason:    reason,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}
