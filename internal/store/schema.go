package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CurrentSchemaVersion bumps whenever the on-disk vector row format or the
// meaning of a stored field changes in a way that makes old rows unsafe to
// read with new code.
const CurrentSchemaVersion = 1

const schemaVersionFile = ".db-version"

// Fingerprint identifies the embedding model a store's vectors were built
// with. NeedsMigration treats a mismatch against the configured model like
// a schema version bump. The Supervisor's startup migration does not call
// NeedsMigration: it compares only the integer schema version, so a model
// change alone does not clear the store.
type Fingerprint struct {
	ModelID   string
	Dimension int
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s|%d", f.ModelID, f.Dimension)
}

// ReadSchemaVersion reads the stored schema version and model fingerprint
// from dataDir. A missing marker reports version 0 (fresh store).
func ReadSchemaVersion(dataDir string) (version int, fp Fingerprint, err error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, schemaVersionFile))
	if os.IsNotExist(err) {
		return 0, Fingerprint{}, nil
	}
	if err != nil {
		return 0, Fingerprint{}, fmt.Errorf("failed to read %s: %w", schemaVersionFile, err)
	}

	lines := strings.SplitN(strings.TrimSpace(string(raw)), "\n", 2)
	version, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, Fingerprint{}, fmt.Errorf("malformed %s: %w", schemaVersionFile, err)
	}
	if len(lines) == 2 {
		parts := strings.SplitN(strings.TrimSpace(lines[1]), "|", 2)
		if len(parts) == 2 {
			dim, _ := strconv.Atoi(parts[1])
			fp = Fingerprint{ModelID: parts[0], Dimension: dim}
		}
	}

	return version, fp, nil
}

// WriteSchemaVersion writes the current version and fingerprint to dataDir.
func WriteSchemaVersion(dataDir string, version int, fp Fingerprint) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	contents := fmt.Sprintf("%d\n%s\n", version, fp.String())
	path := filepath.Join(dataDir, schemaVersionFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", schemaVersionFile, err)
	}
	return os.Rename(tmp, path)
}

// NeedsMigration reports whether a destructive migration is required: the
// stored schema version is behind the code's, or the model fingerprint no
// longer matches. Either condition invalidates every vector currently on
// disk, since vectors are meaningless outside the model/dimension they were
// produced by.
func NeedsMigration(storedVersion int, storedFP, currentFP Fingerprint) bool {
	if storedVersion == 0 {
		return false // fresh store, nothing to migrate
	}
	if storedVersion < CurrentSchemaVersion {
		return true
	}
	return storedFP != currentFP
}
