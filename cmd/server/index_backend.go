package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"voxelfill.ai/internal/persistence/indexdb"
)

// openRuntimeIndex returns nil when indexing is disabled.
func openRuntimeIndex(worldDir string, disableDB bool, logger *log.Logger) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VF_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		logger.Printf("index backend disabled (VF_INDEX_BACKEND=%s)", backend)
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(worldDir, "index", "world.sqlite")
		return indexdb.OpenSQLite(dbPath)
	default:
		return nil, fmt.Errorf("unsupported VF_INDEX_BACKEND: %s", backend)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
