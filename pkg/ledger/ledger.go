// Package ledger implements the append-only, hash-chained audit log that
// records every apply and rollback performed by the reconciliation engine.
//
// The log is a JSON Lines file. Each record carries the hash of its
// predecessor, and its own hash is sha256(prev_hash || ts || action || details).
// Opening a ledger replays the file once to recover the last hash and height.
package ledger

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first record in a ledger.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLineSize bounds a single record when reading the log.
const maxLineSize = 16 * 1024 * 1024

// ErrChainBroken is returned by Verify when a record's hash or link does not match.
var ErrChainBroken = errors.New("ledger chain broken")

// Record is one line of the ledger.
type Record struct {
	Timestamp string          `json:"ts"`
	Height    uint64          `json:"height"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Hostname  string          `json:"hostname,omitempty"`
	PID       int             `json:"pid,omitempty"`
}

// Ledger appends records to a JSONL file. It is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	lastHash string
	height   uint64
	hostname string
	now      func() time.Time
}

// Open opens or creates the ledger at path and replays it to recover the
// chain head.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	l := &Ledger{
		path:     path,
		lastHash: GenesisHash,
		now:      time.Now,
	}
	l.hostname, _ = os.Hostname()

	if err := l.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	l.file = f
	return l, nil
}

// replay scans the existing log for the last hash and height.
func (l *Ledger) replay() error {
	count := 0
	err := scan(l.path, func(r *Record) error {
		l.lastHash = r.Hash
		l.height = r.Height
		count++
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to replay ledger: %w", err)
	}
	if count > 0 {
		l.height++
	}
	return nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Head returns the hash of the last record and the height the next record will take.
func (l *Ledger) Head() (hash string, height uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash, l.height
}

// Append writes a record for action with details encoded as JSON.
func (l *Ledger) Append(action string, details interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(action, details)
}

// TryAppend is Append without waiting: when another writer holds the ledger
// it returns ok=false and writes nothing.
func (l *Ledger) TryAppend(action string, details interface{}) (bool, error) {
	if !l.mu.TryLock() {
		return false, nil
	}
	defer l.mu.Unlock()
	return true, l.appendLocked(action, details)
}

func (l *Ledger) appendLocked(action string, details interface{}) error {
	if l.file == nil {
		return fmt.Errorf("ledger is closed")
	}
	if action == "" {
		return fmt.Errorf("action is required")
	}

	raw, err := canonical(details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}

	rec := Record{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Height:    l.height,
		Action:    action,
		Details:   raw,
		PrevHash:  l.lastHash,
		Hostname:  l.hostname,
		PID:       os.Getpid(),
	}
	rec.Hash = ComputeHash(rec.PrevHash, rec.Timestamp, rec.Action, rec.Details)

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}

	l.lastHash = rec.Hash
	l.height++
	return nil
}

// Close closes the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ComputeHash returns hex(sha256(prevHash || ts || action || details)).
func ComputeHash(prevHash, ts, action string, details json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(ts))
	h.Write([]byte(action))
	h.Write(details)
	return hex.EncodeToString(h.Sum(nil))
}

// canonical encodes v as compact JSON, in exactly the form json.Marshal
// writes it inside a Record, so the stored bytes and the hashed bytes match.
func canonical(v interface{}) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		v = t
	case []byte:
		v = json.RawMessage(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// scan calls fn for every record in the file at path, in order.
func scan(path string, fn func(*Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(b, &r); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(&r); err != nil {
			return err
		}
	}
	return sc.Err()
}
