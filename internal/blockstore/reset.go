package blockstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Reset purges every segment, compressed sidecar, and ancillary state file
// in the store directory. It is used only on explicit operator request
// (e.g. a full resync). Checkpoint files can be preserved by name.
func (s *Store) Reset(keepCheckpoints bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read blockstore dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if keepCheckpoints && strings.HasPrefix(name, "checkpoint_") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	s.segmentNum = 0
	s.segmentSize = 0
	return nil
}
