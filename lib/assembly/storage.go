package assembly

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/kilnhq/kiln/lib/paths"
)

// assemblyIDPattern constrains IDs to a single path-safe component.
// Records live in directories named by ID, so anything with separators or
// dot segments never names a record.
var assemblyIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// writeRecord writes the assembly record atomically using temp file +
// rename.
func writeRecord(p *paths.Paths, a *Assembly) error {
	if !assemblyIDPattern.MatchString(a.ID) {
		return fmt.Errorf("invalid assembly id %q", a.ID)
	}
	if err := os.MkdirAll(p.AssemblyDir(a.ID), 0755); err != nil {
		return fmt.Errorf("create assembly directory: %w", err)
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	finalPath := p.AssemblyMetadata(a.ID)
	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp record: %w", err)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename record: %w", err)
	}

	return nil
}

// readRecord reads an assembly record from disk.
func readRecord(p *paths.Paths, id string) (*Assembly, error) {
	if !assemblyIDPattern.MatchString(id) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(p.AssemblyMetadata(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	var a Assembly
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}

	return &a, nil
}

// listRecords scans the assemblies directory. Entries that fail to parse
// are skipped rather than failing the whole listing.
func listRecords(p *paths.Paths) ([]*Assembly, error) {
	entries, err := os.ReadDir(p.AssembliesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*Assembly{}, nil
		}
		return nil, fmt.Errorf("read assemblies directory: %w", err)
	}

	var records []*Assembly
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		a, err := readRecord(p, entry.Name())
		if err != nil {
			continue
		}
		records = append(records, a)
	}

	return records, nil
}

// recordExists checks whether an assembly with this ID already exists.
func recordExists(p *paths.Paths, id string) bool {
	_, err := readRecord(p, id)
	return err == nil
}

// deleteRecord removes the entire assembly directory, including any
// assembled image layout.
func deleteRecord(p *paths.Paths, id string) error {
	if !assemblyIDPattern.MatchString(id) {
		return ErrNotFound
	}
	dir := p.AssemblyDir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat assembly directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove assembly directory: %w", err)
	}

	return nil
}
