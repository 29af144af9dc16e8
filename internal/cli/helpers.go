package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kagan-dev/kagan/internal/store"
)

const kaganDirName = ".kagan"

// kaganPath returns the path to a file inside .kagan/.
func kaganPath(parts ...string) string {
	elems := append([]string{kaganDirName}, parts...)
	return filepath.Join(elems...)
}

// mustStore opens the store, returning an error if kagan is not initialized.
func mustStore() (*store.Store, error) {
	dbPath := kaganPath("kagan.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("kagan not initialized. Run: kagan init")
	}
	return openStore(dbPath)
}

// openStore opens or creates the SQLite store at the given path.
func openStore(dbPath string) (*store.Store, error) {
	return store.New(dbPath)
}

// apiAddr resolves the Job Surface address the start/stop/queue commands
// talk to. Overridable so a CLI invocation can reach a daemon bound to a
// non-default port.
func apiAddr() string {
	if addr := os.Getenv("KAGAN_API_ADDR"); addr != "" {
		return addr
	}
	return "http://localhost:8420"
}
