package assembly

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kiln/lib/paths"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedBase writes a fake base image into the shared cache layout and
// returns a digest-pinned reference to it, so assemblies run without any
// registry access.
func seedBase(t *testing.T, p *paths.Paths) string {
	t.Helper()

	img := fakeBase(t)
	digest, err := img.Digest()
	require.NoError(t, err)

	lp, err := layout.Write(p.OCICacheDir(), empty.Index)
	require.NoError(t, err)
	require.NoError(t, lp.AppendImage(img, layout.WithAnnotations(map[string]string{
		ispec.AnnotationRefName: digest.Hex,
	})))

	return "example.com/base@" + digest.String()
}

// stubInstaller writes a pip-compatible installer script that drops one
// file into the staging target. Failing variants exit non-zero.
func stubInstaller(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "installer.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755))
	return path
}

func buildTestContext(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0644))
	if manifest != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(manifest), 0644))
	}
	return dir
}

func newTestManager(t *testing.T, installer string) (Manager, *paths.Paths, string) {
	t.Helper()

	p := paths.New(t.TempDir())
	base := seedBase(t, p)

	config := DefaultConfig()
	config.Installer = installer

	mgr, err := NewManager(p, config, testLogger(), nil)
	require.NoError(t, err)
	return mgr, p, base
}

func awaitTerminal(t *testing.T, mgr Manager, id string) *Assembly {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rec, err := mgr.Await(ctx, id)
	require.NoError(t, err)
	return rec
}

func TestAssemblyEndToEnd(t *testing.T) {
	installer := stubInstaller(t, `mkdir -p "$4" && cp "$6" "$4/installed.txt"`)
	mgr, p, base := newTestManager(t, installer)

	ctx := context.Background()
	rec, err := mgr.CreateAssembly(ctx, CreateAssemblyRequest{
		Definition: Definition{
			Base:       base,
			Entrypoint: []string{"python3", "main.py"},
			Env:        map[string]string{"APIFY_LOG_LEVEL": "INFO"},
		},
		ContextDir: buildTestContext(t, "apify==1.7.0\n"),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Contains(t, rec.ID, "asm-")
	require.Equal(t, "requirements.txt", rec.Definition.Manifest)
	require.Equal(t, "/usr/src/app", rec.Definition.WorkDir)

	final := awaitTerminal(t, mgr, rec.ID)
	require.Equal(t, StatusReady, final.Status, "error: %v", final.Error)
	require.Nil(t, final.FailedStep)
	require.NotEmpty(t, final.BaseDigest)
	require.NotEmpty(t, final.ImageDigest)
	require.NotNil(t, final.SizeBytes)
	require.Equal(t, []string{"python3", "main.py"}, final.Entrypoint)
	require.Equal(t, "/usr/src/app", final.WorkingDir)
	require.Equal(t, "/opt/kiln/deps", final.Env["PYTHONPATH"])
	require.NotNil(t, final.FinishedAt)

	// The assembled image layout exists and resolves.
	img, err := loadBaseImage(p.AssemblyImageDir(rec.ID), assembledTag)
	require.NoError(t, err)
	layers, err := img.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 3) // base + deps + context

	logs, err := mgr.GetAssemblyLogs(ctx, rec.ID)
	require.NoError(t, err)
	require.Contains(t, string(logs), "resolving base")
	require.Contains(t, string(logs), "image assembled")

	recipe, err := mgr.RenderRecipe(ctx, rec.ID)
	require.NoError(t, err)
	require.Contains(t, recipe, "FROM example.com/base@"+final.BaseDigest)
	require.Contains(t, recipe, `ENTRYPOINT ["python3","main.py"]`)
}

func TestAssemblyEmptyManifestSkipsInstall(t *testing.T) {
	// An installer that always fails proves it is never invoked.
	installer := stubInstaller(t, "exit 1")
	mgr, _, base := newTestManager(t, installer)

	rec, err := mgr.CreateAssembly(context.Background(), CreateAssemblyRequest{
		Definition: Definition{
			Base:       base,
			Entrypoint: []string{"python3", "main.py"},
		},
		ContextDir: buildTestContext(t, "# comments only\n\n"),
	}, nil)
	require.NoError(t, err)

	final := awaitTerminal(t, mgr, rec.ID)
	require.Equal(t, StatusReady, final.Status, "error: %v", final.Error)

	logs, err := mgr.GetAssemblyLogs(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Contains(t, string(logs), "manifest empty")
}

func TestAssemblyEmptyStageSkipsDependencyLayer(t *testing.T) {
	// The installer exits zero but stages no files, so there is nothing
	// to layer and nothing to point the deps env var at.
	installer := stubInstaller(t, `mkdir -p "$4"`)
	mgr, p, base := newTestManager(t, installer)

	ctx := context.Background()
	rec, err := mgr.CreateAssembly(ctx, CreateAssemblyRequest{
		Definition: Definition{Base: base, Entrypoint: []string{"python3", "main.py"}},
		ContextDir: buildTestContext(t, "apify==1.7.0\n"),
	}, nil)
	require.NoError(t, err)

	final := awaitTerminal(t, mgr, rec.ID)
	require.Equal(t, StatusReady, final.Status, "error: %v", final.Error)
	_, bound := final.Env["PYTHONPATH"]
	require.False(t, bound)

	img, err := loadBaseImage(p.AssemblyImageDir(rec.ID), assembledTag)
	require.NoError(t, err)
	layers, err := img.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 2) // base + context, no deps layer

	logs, err := mgr.GetAssemblyLogs(ctx, rec.ID)
	require.NoError(t, err)
	require.Contains(t, string(logs), "staged nothing")
}

func TestAssemblyInstallFailureIsFatal(t *testing.T) {
	installer := stubInstaller(t, `echo "ERROR: no matching distribution" >&2; exit 1`)
	mgr, p, base := newTestManager(t, installer)

	rec, err := mgr.CreateAssembly(context.Background(), CreateAssemblyRequest{
		Definition: Definition{
			Base:       base,
			Entrypoint: []string{"python3", "main.py"},
		},
		ContextDir: buildTestContext(t, "nonexistent-package==99.0\n"),
	}, nil)
	require.NoError(t, err)

	final := awaitTerminal(t, mgr, rec.ID)
	require.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.FailedStep)
	require.Equal(t, StepInstallDependencies, *final.FailedStep)
	require.NotNil(t, final.Error)
	require.Contains(t, *final.Error, "dependency install failed")

	// No image artifact survives a failure.
	_, err = os.Stat(p.AssemblyImageDir(rec.ID))
	require.True(t, os.IsNotExist(err))

	logs, err := mgr.GetAssemblyLogs(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Contains(t, string(logs), "no matching distribution")
}

func TestAssemblyMissingEntrypointFailsAtBind(t *testing.T) {
	installer := stubInstaller(t, `mkdir -p "$4"`)
	mgr, _, base := newTestManager(t, installer)

	rec, err := mgr.CreateAssembly(context.Background(), CreateAssemblyRequest{
		Definition: Definition{Base: base},
		ContextDir: buildTestContext(t, ""),
	}, nil)
	require.NoError(t, err)

	final := awaitTerminal(t, mgr, rec.ID)
	require.Equal(t, StatusFailed, final.Status)
	require.Equal(t, StepBindEntry, *final.FailedStep)
	require.Contains(t, *final.Error, "entry command")
}

func TestCreateAssemblyRequiresExactlyOneSource(t *testing.T) {
	mgr, _, base := newTestManager(t, "pip3")

	def := Definition{Base: base, Entrypoint: []string{"python3"}}

	_, err := mgr.CreateAssembly(context.Background(), CreateAssemblyRequest{Definition: def}, nil)
	require.Error(t, err)

	_, err = mgr.CreateAssembly(context.Background(), CreateAssemblyRequest{
		Definition: def,
		ContextDir: t.TempDir(),
		GitURL:     "https://example.com/repo.git",
	}, nil)
	require.Error(t, err)
}

func TestCreateAssemblyRequiresBase(t *testing.T) {
	mgr, _, _ := newTestManager(t, "pip3")

	_, err := mgr.CreateAssembly(context.Background(), CreateAssemblyRequest{
		Definition: Definition{Entrypoint: []string{"python3"}},
		ContextDir: buildTestContext(t, ""),
	}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "base environment")
}

func TestCreateAssemblyRejectsInvalidBase(t *testing.T) {
	mgr, _, _ := newTestManager(t, "pip3")

	_, err := mgr.CreateAssembly(context.Background(), CreateAssemblyRequest{
		Definition: Definition{Base: "Not A Valid Ref", Entrypoint: []string{"python3"}},
		ContextDir: buildTestContext(t, ""),
	}, nil)
	require.ErrorIs(t, err, ErrBaseResolution)
}

func TestCreateAssemblyRejectsUnsafeID(t *testing.T) {
	mgr, p, base := newTestManager(t, "pip3")

	evil := "../../outside/evil"
	_, err := mgr.CreateAssembly(context.Background(), CreateAssemblyRequest{
		Id:         &evil,
		Definition: Definition{Base: base, Entrypoint: []string{"python3", "main.py"}},
		ContextDir: buildTestContext(t, ""),
	}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid assembly id")

	// Nothing escaped the data dir.
	_, statErr := os.Stat(filepath.Join(p.DataDir(), "..", "outside"))
	require.True(t, os.IsNotExist(statErr))
}

func TestDeleteAssemblyRejectsPathTraversal(t *testing.T) {
	installer := stubInstaller(t, `mkdir -p "$4"`)
	mgr, p, base := newTestManager(t, installer)

	rec, err := mgr.CreateAssembly(context.Background(), CreateAssemblyRequest{
		Definition: Definition{Base: base, Entrypoint: []string{"python3", "main.py"}},
		ContextDir: buildTestContext(t, ""),
	}, nil)
	require.NoError(t, err)
	awaitTerminal(t, mgr, rec.ID)

	// ".." resolves to the data dir itself and must never delete it.
	require.ErrorIs(t, mgr.DeleteAssembly(context.Background(), ".."), ErrNotFound)

	_, err = os.Stat(p.DataDir())
	require.NoError(t, err)
	_, err = mgr.GetAssembly(context.Background(), rec.ID)
	require.NoError(t, err)
}

func TestCreateAssemblyDuplicateID(t *testing.T) {
	installer := stubInstaller(t, `mkdir -p "$4"`)
	mgr, _, base := newTestManager(t, installer)

	id := "asm-duplicate"
	req := CreateAssemblyRequest{
		Id:         &id,
		Definition: Definition{Base: base, Entrypoint: []string{"python3", "main.py"}},
		ContextDir: buildTestContext(t, ""),
	}

	_, err := mgr.CreateAssembly(context.Background(), req, nil)
	require.NoError(t, err)

	_, err = mgr.CreateAssembly(context.Background(), req, nil)
	require.ErrorIs(t, err, ErrAlreadyExists)

	awaitTerminal(t, mgr, id)
}

func TestCreateAssemblyDefinitionFromContextFile(t *testing.T) {
	installer := stubInstaller(t, `mkdir -p "$4"`)
	mgr, _, base := newTestManager(t, installer)

	dir := buildTestContext(t, "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefinitionFile), []byte(
		"base: "+base+"\nentrypoint: [\"python3\", \"main.py\"]\nworkdir: /srv/actor\n"), 0644))

	rec, err := mgr.CreateAssembly(context.Background(), CreateAssemblyRequest{ContextDir: dir}, nil)
	require.NoError(t, err)
	require.Equal(t, base, rec.Definition.Base)
	require.Equal(t, "/srv/actor", rec.Definition.WorkDir)

	final := awaitTerminal(t, mgr, rec.ID)
	require.Equal(t, StatusReady, final.Status, "error: %v", final.Error)
	require.Equal(t, "/srv/actor", final.WorkingDir)
}

func TestListAndDeleteAssemblies(t *testing.T) {
	installer := stubInstaller(t, `mkdir -p "$4"`)
	mgr, _, base := newTestManager(t, installer)

	rec, err := mgr.CreateAssembly(context.Background(), CreateAssemblyRequest{
		Definition: Definition{Base: base, Entrypoint: []string{"python3", "main.py"}},
		ContextDir: buildTestContext(t, ""),
	}, nil)
	require.NoError(t, err)
	awaitTerminal(t, mgr, rec.ID)

	list, err := mgr.ListAssemblies(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, mgr.DeleteAssembly(context.Background(), rec.ID))
	_, err = mgr.GetAssembly(context.Background(), rec.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, mgr.DeleteAssembly(context.Background(), rec.ID), ErrNotFound)
}

func TestGetAssemblyNotFound(t *testing.T) {
	mgr, _, _ := newTestManager(t, "pip3")
	_, err := mgr.GetAssembly(context.Background(), "asm-missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = mgr.GetAssemblyLogs(context.Background(), "asm-missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = mgr.Subscribe("asm-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribeSeesTerminalUpdate(t *testing.T) {
	installer := stubInstaller(t, `mkdir -p "$4"`)
	mgr, _, base := newTestManager(t, installer)

	rec, err := mgr.CreateAssembly(context.Background(), CreateAssemblyRequest{
		Definition: Definition{Base: base, Entrypoint: []string{"python3", "main.py"}},
		ContextDir: buildTestContext(t, ""),
	}, nil)
	require.NoError(t, err)

	ch, cancel, err := mgr.Subscribe(rec.ID)
	require.NoError(t, err)
	defer cancel()

	deadline := time.After(30 * time.Second)
	for {
		select {
		case update, ok := <-ch:
			if !ok {
				t.Fatal("stream closed before terminal status")
			}
			if update.Status == StatusReady || update.Status == StatusFailed {
				require.Equal(t, StatusReady, update.Status)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal update")
		}
	}
}

func TestRecoverInterruptedFailsUnfinishedRecords(t *testing.T) {
	p := paths.New(t.TempDir())

	stuck := testRecord("asm-stuck")
	stuck.Status = StatusSourceCopied
	require.NoError(t, writeRecord(p, stuck))

	done := testRecord("asm-done")
	done.Status = StatusReady
	require.NoError(t, writeRecord(p, done))

	mgr, err := NewManager(p, DefaultConfig(), testLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, mgr.RecoverInterrupted(context.Background()))

	rec, err := mgr.GetAssembly(context.Background(), "asm-stuck")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	require.Contains(t, *rec.Error, "interrupted")

	rec, err = mgr.GetAssembly(context.Background(), "asm-done")
	require.NoError(t, err)
	require.Equal(t, StatusReady, rec.Status)
}

func TestNewManagerLeavesInFlightRecordsAlone(t *testing.T) {
	p := paths.New(t.TempDir())

	// Another process may be mid-assembly on the same data dir; merely
	// constructing a manager (e.g. a read-only inspect) must not touch
	// its records.
	stuck := testRecord("asm-running")
	stuck.Status = StatusSourceCopied
	require.NoError(t, writeRecord(p, stuck))

	mgr, err := NewManager(p, DefaultConfig(), testLogger(), nil)
	require.NoError(t, err)

	rec, err := mgr.GetAssembly(context.Background(), "asm-running")
	require.NoError(t, err)
	require.Equal(t, StatusSourceCopied, rec.Status)
	require.Nil(t, rec.Error)
}

func TestExportRootfsRequiresReady(t *testing.T) {
	p := paths.New(t.TempDir())

	rec := testRecord("asm-pending")
	require.NoError(t, writeRecord(p, rec))

	mgr, err := NewManager(p, DefaultConfig(), testLogger(), nil)
	require.NoError(t, err)

	err = mgr.ExportRootfs(context.Background(), "asm-pending", t.TempDir())
	require.ErrorIs(t, err, ErrNotReady)
}

func TestExportRootfs(t *testing.T) {
	installer := stubInstaller(t, `mkdir -p "$4" && echo stub > "$4/pkg.py"`)
	mgr, _, base := newTestManager(t, installer)

	rec, err := mgr.CreateAssembly(context.Background(), CreateAssemblyRequest{
		Definition: Definition{Base: base, Entrypoint: []string{"python3", "main.py"}},
		ContextDir: buildTestContext(t, "apify==1.7.0\n"),
	}, nil)
	require.NoError(t, err)

	final := awaitTerminal(t, mgr, rec.ID)
	require.Equal(t, StatusReady, final.Status, "error: %v", final.Error)

	dest := filepath.Join(t.TempDir(), "rootfs")
	require.NoError(t, mgr.ExportRootfs(context.Background(), rec.ID, dest))

	_, err = os.Stat(filepath.Join(dest, "usr", "src", "app", "main.py"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dest, "opt", "kiln", "deps", "pkg.py"))
	require.NoError(t, err)
}
