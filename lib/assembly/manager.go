package assembly

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nrednav/cuid2"
	"go.opentelemetry.io/otel/metric"

	"github.com/kilnhq/kiln/lib/paths"
)

// Manager runs image assemblies and owns their records.
type Manager interface {
	// CreateAssembly accepts a new assembly and starts it in the
	// background, subject to the concurrency limit. contextArchive, when
	// non-nil, is a tar.gz build context; otherwise the request must name
	// a local directory or git URL.
	CreateAssembly(ctx context.Context, req CreateAssemblyRequest, contextArchive io.Reader) (*Assembly, error)

	// GetAssembly returns an assembly by ID.
	GetAssembly(ctx context.Context, id string) (*Assembly, error)

	// ListAssemblies returns all known assemblies.
	ListAssemblies(ctx context.Context) ([]*Assembly, error)

	// DeleteAssembly removes an assembly and its artifacts.
	DeleteAssembly(ctx context.Context, id string) error

	// GetAssemblyLogs returns the combined step log for an assembly.
	GetAssemblyLogs(ctx context.Context, id string) ([]byte, error)

	// Subscribe streams progress updates for an assembly.
	Subscribe(id string) (<-chan ProgressUpdate, func(), error)

	// Await blocks until the assembly reaches a terminal state.
	Await(ctx context.Context, id string) (*Assembly, error)

	// RenderRecipe returns the Dockerfile equivalent of an assembly.
	RenderRecipe(ctx context.Context, id string) (string, error)

	// ExportRootfs unpacks the assembled image filesystem into destDir.
	ExportRootfs(ctx context.Context, id, destDir string) error

	// RecoverInterrupted marks assemblies left unfinished by a previous
	// process as failed. Only the process that owns the data dir calls
	// this, once on startup; read-only consumers of a shared data dir
	// must not.
	RecoverInterrupted(ctx context.Context) error
}

// Config holds assembly manager configuration.
type Config struct {
	// MaxConcurrentAssemblies bounds parallel assembly work.
	MaxConcurrentAssemblies int

	// MaxContextBytes caps the extracted size of uploaded contexts.
	MaxContextBytes int64

	// Installer is the dependency installer binary. It must accept
	// pip-style install flags (--target, -r).
	Installer string

	// DefaultManifest is the manifest path used when a definition names
	// none.
	DefaultManifest string

	// DefaultWorkDir is the snapshot target used when a definition names
	// none.
	DefaultWorkDir string

	// DepsPath is where installed dependencies are layered in the image.
	DepsPath string

	// DepsPathEnv is the environment variable pointed at DepsPath so the
	// entry process can import staged packages.
	DepsPathEnv string

	// PushRegistry, when set, receives every ready image as
	// <registry>/assemblies/<id>:latest.
	PushRegistry string
}

// DefaultConfig returns the default assembly configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentAssemblies: 2,
		MaxContextBytes:         512 * 1024 * 1024,
		Installer:               "pip3",
		DefaultManifest:         "requirements.txt",
		DefaultWorkDir:          "/usr/src/app",
		DepsPath:                "/opt/kiln/deps",
		DepsPathEnv:             "PYTHONPATH",
	}
}

type manager struct {
	config   Config
	paths    *paths.Paths
	base     *baseClient
	queue    *assemblyQueue
	trackers *trackerRegistry
	logger   *slog.Logger
	metrics  *Metrics
	createMu sync.Mutex
}

// NewManager creates an assembly manager rooted at the data dir described
// by p. meter may be nil to disable metrics.
func NewManager(p *paths.Paths, config Config, logger *slog.Logger, meter metric.Meter) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base, err := newBaseClient(p.OCICacheDir())
	if err != nil {
		return nil, fmt.Errorf("create base client: %w", err)
	}

	m := &manager{
		config:   config,
		paths:    p,
		base:     base,
		queue:    newAssemblyQueue(config.MaxConcurrentAssemblies),
		trackers: newTrackerRegistry(),
		logger:   logger,
	}

	if meter != nil {
		metrics, err := NewMetrics(meter, m.queue)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		m.metrics = metrics
	}

	return m, nil
}

// RecoverInterrupted marks assemblies that were in flight during a
// previous run as failed. Assembly state is in-process only, so an
// interrupted pipeline can never resume; surfacing the failure beats a
// record stuck in pending forever. Construction does not sweep: another
// process may be mid-assembly on the same data dir, so the owning server
// invokes this explicitly on startup.
func (m *manager) RecoverInterrupted(ctx context.Context) error {
	records, err := listRecords(m.paths)
	if err != nil {
		return fmt.Errorf("scan assemblies for recovery: %w", err)
	}

	for _, rec := range records {
		if rec.Finished() {
			continue
		}
		m.logger.Warn("failing assembly interrupted by restart", "id", rec.ID, "status", rec.Status)
		msg := "interrupted by restart"
		now := time.Now()
		rec.Status = StatusFailed
		rec.Error = &msg
		rec.FinishedAt = &now
		if err := writeRecord(m.paths, rec); err != nil {
			m.logger.Error("write interrupted record", "id", rec.ID, "error", err)
		}
	}
	return nil
}

func (m *manager) CreateAssembly(ctx context.Context, req CreateAssemblyRequest, contextArchive io.Reader) (*Assembly, error) {
	sources := 0
	if req.ContextDir != "" {
		sources++
	}
	if req.GitURL != "" {
		sources++
	}
	if contextArchive != nil {
		sources++
	}
	if sources != 1 {
		return nil, fmt.Errorf("exactly one context source required (dir, git, or archive), got %d", sources)
	}

	id := ""
	if req.Id != nil && *req.Id != "" {
		id = *req.Id
		// Caller-supplied IDs name directories under the data dir, so
		// anything outside the safe alphabet is rejected before any
		// state is written.
		if !assemblyIDPattern.MatchString(id) {
			return nil, fmt.Errorf("invalid assembly id %q: letters, digits, '-' and '_' only", id)
		}
	} else {
		id = "asm-" + cuid2.Generate()
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	if recordExists(m.paths, id) {
		return nil, ErrAlreadyExists
	}

	// Capture the raw context now: the archive stream and the git remote
	// only exist at request time. The copy step of the pipeline
	// materializes the snapshot from this capture.
	srcDir := req.ContextDir
	if srcDir == "" {
		incoming := m.paths.AssemblyIncomingDir(id)
		switch {
		case contextArchive != nil:
			if _, err := materializeFromArchive(contextArchive, incoming, m.config.MaxContextBytes); err != nil {
				deleteRecordDir(m.paths, id)
				return nil, fmt.Errorf("capture context archive: %w", err)
			}
		case req.GitURL != "":
			if err := materializeFromGit(ctx, req.GitURL, req.GitRef, incoming); err != nil {
				deleteRecordDir(m.paths, id)
				return nil, fmt.Errorf("capture git context: %w", err)
			}
		}
		srcDir = incoming
	}

	fileDef, err := LoadDefinitionFile(srcDir)
	if err != nil {
		deleteRecordDir(m.paths, id)
		return nil, err
	}
	def := m.applyDefaults(mergeDefinition(req.Definition, fileDef))

	if def.Base == "" {
		deleteRecordDir(m.paths, id)
		return nil, fmt.Errorf("base environment reference required")
	}
	if _, err := ParseBaseRef(def.Base); err != nil {
		deleteRecordDir(m.paths, id)
		return nil, fmt.Errorf("%w: %v", ErrBaseResolution, err)
	}

	rec := &Assembly{
		ID:         id,
		Definition: def,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
	if err := writeRecord(m.paths, rec); err != nil {
		deleteRecordDir(m.paths, id)
		return nil, fmt.Errorf("write record: %w", err)
	}

	pos := m.queue.Enqueue(id, func() {
		m.runAssembly(context.Background(), id, srcDir)
	})
	if pos > 0 {
		rec.QueuePosition = &pos
	}

	m.logger.Info("assembly created", "id", id, "base", def.Base, "queue_position", pos)
	return rec, nil
}

// deleteRecordDir removes whatever partial state exists for id, ignoring
// not-found.
func deleteRecordDir(p *paths.Paths, id string) {
	_ = os.RemoveAll(p.AssemblyDir(id))
}

func (m *manager) GetAssembly(ctx context.Context, id string) (*Assembly, error) {
	rec, err := readRecord(m.paths, id)
	if err != nil {
		return nil, err
	}
	rec.QueuePosition = m.queue.Position(id)
	return rec, nil
}

func (m *manager) ListAssemblies(ctx context.Context) ([]*Assembly, error) {
	records, err := listRecords(m.paths)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	for _, rec := range records {
		rec.QueuePosition = m.queue.Position(rec.ID)
	}
	return records, nil
}

func (m *manager) DeleteAssembly(ctx context.Context, id string) error {
	if err := deleteRecord(m.paths, id); err != nil {
		return err
	}
	m.trackers.Remove(id)
	return nil
}

func (m *manager) GetAssemblyLogs(ctx context.Context, id string) ([]byte, error) {
	if !recordExists(m.paths, id) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(m.paths.AssemblyLog(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("read log: %w", err)
	}
	return data, nil
}

func (m *manager) Subscribe(id string) (<-chan ProgressUpdate, func(), error) {
	if !recordExists(m.paths, id) {
		return nil, nil, ErrNotFound
	}
	ch, cancel := m.trackers.Get(id).Subscribe()
	return ch, cancel, nil
}

// Await polls the record until the assembly finishes or ctx is done.
func (m *manager) Await(ctx context.Context, id string) (*Assembly, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		rec, err := readRecord(m.paths, id)
		if err != nil {
			return nil, err
		}
		if rec.Finished() {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *manager) RenderRecipe(ctx context.Context, id string) (string, error) {
	rec, err := readRecord(m.paths, id)
	if err != nil {
		return "", err
	}
	return RenderDockerfile(rec.Definition, rec.BaseDigest, m.config.Installer)
}
