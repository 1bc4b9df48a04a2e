package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStorage is the production audit storage backend: a newline-framed
// JSON append-only log file, plus a companion head file storing the
// highest sequence number, replaced atomically on every append
// ("Audit file layout").
type FileStorage struct {
	mu       sync.Mutex
	dir      string
	logPath  string
	headPath string
	file     *os.File
}

type headRecord struct {
	LastSequence uint64 `json:"last_sequence"`
}

// NewFileStorage opens (creating if needed) the audit log at
// dir/audit.jsonl with a companion dir/audit.head file.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	logPath := filepath.Join(dir, "audit.jsonl")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileStorage{
		dir:      dir,
		logPath:  logPath,
		headPath: filepath.Join(dir, "audit.head"),
		file:     f,
	}, nil
}

// Append writes e's JSON encoding as one line, fsyncs the entry bytes,
// then atomically replaces the head file with e's sequence number.
func (f *FileStorage) Append(e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := f.file.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("fsync audit entry: %w", err)
	}

	return writeHeadAtomic(f.headPath, headRecord{LastSequence: e.Sequence})
}

// writeHeadAtomic writes rec to path via write-to-temp-then-rename, so a
// crash mid-write never leaves a corrupt head file.
func writeHeadAtomic(path string, rec headRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit head: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write audit head temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename audit head into place: %w", err)
	}
	return nil
}

// Iterate returns up to limit entries for sessionID (or all if empty),
// most recent last. It re-reads the log file fresh each call so
// concurrent readers always see the latest fsynced state.
func (f *FileStorage) Iterate(sessionID string, limit int) ([]Entry, error) {
	all, err := f.All()
	if err != nil {
		return nil, err
	}
	var matched []Entry
	for _, e := range all {
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		matched = append(matched, e)
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// All reads every entry from the log file in order.
func (f *FileStorage) All() ([]Entry, error) {
	file, err := os.Open(f.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log for read: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("parse audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

// LastSequence reads the head file, or falls back to scanning All() if
// the head file is missing (e.g. after a crash between log append and
// head replacement).
func (f *FileStorage) LastSequence() (uint64, bool, error) {
	data, err := os.ReadFile(f.headPath)
	if err == nil {
		var rec headRecord
		if err := json.Unmarshal(data, &rec); err == nil {
			return rec.LastSequence, true, nil
		}
	}

	entries, err := f.All()
	if err != nil {
		return 0, false, err
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	return entries[len(entries)-1].Sequence, true, nil
}

// Close closes the underlying log file handle.
func (f *FileStorage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}
