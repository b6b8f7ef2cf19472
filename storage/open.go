package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Supported backend names accepted by Open.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Open resolves the configured backend under dataDir.
func Open(backend, dataDir string) (Database, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendMemory:
		return NewMemDB(), nil
	case BackendLevelDB, "":
		return NewLevelDB(filepath.Join(dataDir, "state"))
	case BackendBolt:
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, err
		}
		return NewBoltDB(filepath.Join(dataDir, "state.bolt"))
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", backend)
	}
}
