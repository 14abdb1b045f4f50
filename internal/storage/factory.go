package storage

import (
	"fmt"
	"os"
	"strings"
)

// StoreKindEnv overrides the build default backend.
const StoreKindEnv = "COLLAPSESIM_STORE"

func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func DefaultStoreKind() string {
	if kind := strings.TrimSpace(os.Getenv(StoreKindEnv)); kind != "" {
		return kind
	}
	return defaultStoreKind
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
