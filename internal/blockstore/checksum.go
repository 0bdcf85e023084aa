package blockstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const checksumFileName = "checksum.json"

// RecordChecksum computes the SHA-256 of path's current contents and stores
// it (keyed by path relative to the store directory) in checksum.json.
func (s *Store) RecordChecksum(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, err := fileSHA256(path)
	if err != nil {
		return fmt.Errorf("checksum %s: %w", path, err)
	}

	sums, err := s.readChecksums()
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		rel = path
	}
	sums[rel] = sum
	return s.writeChecksums(sums)
}

// VerifyIntegrity recomputes the SHA-256 of every file named in
// checksum.json and reports any path whose recorded checksum no longer
// matches its contents.
func (s *Store) VerifyIntegrity() (mismatched []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sums, err := s.readChecksums()
	if err != nil {
		return nil, err
	}
	for rel, want := range sums {
		got, err := fileSHA256(filepath.Join(s.dir, rel))
		if err != nil || got != want {
			mismatched = append(mismatched, rel)
		}
	}
	return mismatched, nil
}

func (s *Store) checksumPath() string {
	return filepath.Join(s.dir, checksumFileName)
}

func (s *Store) readChecksums() (map[string]string, error) {
	data, err := os.ReadFile(s.checksumPath())
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checksum file: %w", err)
	}
	var sums map[string]string
	if err := json.Unmarshal(data, &sums); err != nil {
		return nil, fmt.Errorf("unmarshal checksum file: %w", err)
	}
	return sums, nil
}

func (s *Store) writeChecksums(sums map[string]string) error {
	data, err := json.MarshalIndent(sums, "", "  ")
	if err != nil {
		return err
	}
	return writeFileSync(s.checksumPath(), data)
}

func fileSHA256(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
