package assembly

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// runInstaller invokes the external package installer against the
// dependency manifest, staging installed packages into stageDir. The
// specifier format and conflict resolution belong entirely to the
// installer; kiln only observes its exit code. Combined output is streamed
// to logw so the invoking tooling can diagnose a failing install.
//
// The default installer is pip-compatible:
//
//	pip3 install --no-cache-dir --target <stage> -r <manifest>
func runInstaller(ctx context.Context, installer, manifestPath, stageDir string, logw io.Writer) error {
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, installer,
		"install",
		"--no-cache-dir",
		"--target", stageDir,
		"-r", manifestPath,
	)
	cmd.Stdout = logw
	cmd.Stderr = logw

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w", installer, err)
	}

	return nil
}

// stageIsEmpty reports whether the installer staged nothing. An empty
// stage produces no dependency layer.
func stageIsEmpty(stageDir string) (bool, error) {
	entries, err := os.ReadDir(stageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("read staging dir: %w", err)
	}
	return len(entries) == 0, nil
}
