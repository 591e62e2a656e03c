package assembly

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Manifest is a dependency manifest: an ordered list of package specifiers
// read from a newline-delimited file. The specifier format is owned by the
// external installer; entries are treated as opaque.
type Manifest struct {
	Path    string
	Entries []string
}

// Empty reports whether the manifest lists no packages. An empty manifest
// makes dependency installation a no-op, not a failure.
func (m *Manifest) Empty() bool {
	return len(m.Entries) == 0
}

// ReadManifest loads a dependency manifest from path. Blank lines and
// lines starting with '#' are skipped; everything else is kept verbatim.
// A missing file is equivalent to an empty manifest.
func ReadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{Path: path}, nil
		}
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	m := &Manifest{Path: path}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m.Entries = append(m.Entries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	return m, nil
}
