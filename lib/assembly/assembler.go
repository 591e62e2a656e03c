package assembly

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"golang.org/x/sync/errgroup"
)

// runAssembly executes the full pipeline for one assembly. It is the only
// writer of the record while the assembly is in flight. Failures are fatal
// and never retried: the record is marked failed with the step that broke.
func (m *manager) runAssembly(ctx context.Context, id, srcDir string) {
	defer m.queue.MarkComplete(id)

	log := m.logger.With("id", id)
	started := time.Now()

	rec, err := readRecord(m.paths, id)
	if err != nil {
		log.Error("load record for assembly run", "error", err)
		return
	}

	logFile, err := os.OpenFile(m.paths.AssemblyLog(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		m.fail(rec, StepResolveBase, fmt.Errorf("open assembly log: %w", err), started)
		return
	}
	defer logFile.Close()

	fail := func(step string, err error) {
		fmt.Fprintf(logFile, "step %s failed: %v\n", step, err)
		log.Error("assembly step failed", "step", step, "error", err)
		m.fail(rec, step, err, started)
	}

	// Step 1: resolve the base environment and make it locally available.
	fmt.Fprintf(logFile, "resolving base %s\n", rec.Definition.Base)
	baseRef, err := ParseBaseRef(rec.Definition.Base)
	if err != nil {
		fail(StepResolveBase, fmt.Errorf("%w: %v", ErrBaseResolution, err))
		return
	}
	baseDigest, err := baseRef.Resolve(ctx, m.base)
	if err != nil {
		fail(StepResolveBase, err)
		return
	}
	layoutTag, pulled, err := m.base.EnsurePulled(ctx, baseRef.String(), baseDigest, logFile)
	if err != nil {
		fail(StepResolveBase, fmt.Errorf("%w: %v", ErrBaseResolution, err))
		return
	}
	if pulled && m.metrics != nil {
		m.metrics.RecordBasePull(ctx)
	}
	rec.BaseDigest = baseDigest
	m.advance(rec, StatusBaseReady)
	fmt.Fprintf(logFile, "base ready at %s\n", baseDigest)

	// Step 2: snapshot the application directory. All or nothing: a copy
	// error leaves no partial context behind.
	contextDir := m.paths.AssemblyContextDir(id)
	if err := materializeFromDir(srcDir, contextDir); err != nil {
		_ = os.RemoveAll(contextDir)
		fail(StepMaterializeContext, fmt.Errorf("%w: %v", ErrCopy, err))
		return
	}
	m.advance(rec, StatusSourceCopied)
	fmt.Fprintf(logFile, "context copied from %s\n", srcDir)

	// Step 3: install dependencies into the staging dir. An empty or
	// missing manifest is a recorded no-op, not an error.
	manifestPath, err := securejoin.SecureJoin(contextDir, rec.Definition.Manifest)
	if err != nil {
		fail(StepInstallDependencies, fmt.Errorf("%w: manifest path %q: %v", ErrDependencyInstall, rec.Definition.Manifest, err))
		return
	}
	man, err := ReadManifest(manifestPath)
	if err != nil {
		fail(StepInstallDependencies, fmt.Errorf("%w: %v", ErrDependencyInstall, err))
		return
	}
	depsDir := m.paths.AssemblyDepsDir(id)
	withDeps := false
	if man.Empty() {
		fmt.Fprintln(logFile, "manifest empty, skipping dependency install")
	} else {
		if err := os.MkdirAll(depsDir, 0o755); err != nil {
			fail(StepInstallDependencies, fmt.Errorf("%w: %v", ErrDependencyInstall, err))
			return
		}
		fmt.Fprintf(logFile, "installing %d dependencies with %s\n", len(man.Entries), m.config.Installer)
		if err := runInstaller(ctx, m.config.Installer, manifestPath, depsDir, logFile); err != nil {
			fail(StepInstallDependencies, fmt.Errorf("%w: %v", ErrDependencyInstall, err))
			return
		}
		empty, err := stageIsEmpty(depsDir)
		if err != nil {
			fail(StepInstallDependencies, fmt.Errorf("%w: %v", ErrDependencyInstall, err))
			return
		}
		withDeps = !empty
		if empty {
			fmt.Fprintln(logFile, "installer staged nothing, skipping dependency layer")
		}
	}
	m.advance(rec, StatusDependenciesInstalled)

	// Step 4: compose the image and bind the entry command.
	if err := os.MkdirAll(m.paths.AssemblyLayersDir(id), 0o755); err != nil {
		fail(StepBindEntry, fmt.Errorf("%w: %v", ErrEntryBinding, err))
		return
	}

	baseImg, err := loadBaseImage(m.paths.OCICacheDir(), layoutTag)
	if err != nil {
		fail(StepBindEntry, fmt.Errorf("%w: %v", ErrEntryBinding, err))
		return
	}

	adds, err := m.buildLayers(id, contextDir, depsDir, rec.Definition.WorkDir, withDeps)
	if err != nil {
		fail(StepBindEntry, fmt.Errorf("%w: %v", ErrEntryBinding, err))
		return
	}

	env := map[string]string{}
	for k, v := range rec.Definition.Env {
		env[k] = v
	}
	if withDeps && m.config.DepsPathEnv != "" {
		env[m.config.DepsPathEnv] = m.config.DepsPath
	}

	img, err := composeImage(baseImg, adds, bindSpec{
		Entrypoint: rec.Definition.Entrypoint,
		WorkingDir: rec.Definition.WorkDir,
		Env:        env,
	})
	if err != nil {
		fail(StepBindEntry, err)
		return
	}

	imageDigest, size, err := exportImage(img, m.paths.AssemblyImageDir(id))
	if err != nil {
		_ = os.RemoveAll(m.paths.AssemblyImageDir(id))
		fail(StepBindEntry, fmt.Errorf("%w: %v", ErrEntryBinding, err))
		return
	}

	rec.ImageDigest = imageDigest
	rec.SizeBytes = &size
	rec.Entrypoint = rec.Definition.Entrypoint
	rec.WorkingDir = rec.Definition.WorkDir
	rec.Env = env
	m.advance(rec, StatusEntryBound)
	fmt.Fprintf(logFile, "image assembled: %s (%d bytes)\n", imageDigest, size)

	// Step 5: publish, when a push registry is configured.
	if m.config.PushRegistry != "" {
		fmt.Fprintf(logFile, "pushing to %s\n", m.config.PushRegistry)
		if err := pushImage(ctx, img, m.config.PushRegistry, id); err != nil {
			fail(StepPublish, fmt.Errorf("push image: %w", err))
			return
		}
	}

	now := time.Now()
	rec.FinishedAt = &now
	m.advance(rec, StatusReady)
	log.Info("assembly ready", "digest", imageDigest, "duration", time.Since(started))

	if m.metrics != nil {
		m.metrics.RecordAssembly(ctx, StatusReady, "", time.Since(started))
	}
	m.trackers.Get(id).Close()
}

// buildLayers produces the layer additions for the assembled image: the
// dependency layer first so unchanged manifests reuse it across context
// edits, then the application directory snapshot. The two tars are
// independent and built in parallel.
func (m *manager) buildLayers(id, contextDir, depsDir, workDir string, withDeps bool) ([]layerAddendum, error) {
	layersDir := m.paths.AssemblyLayersDir(id)

	var depsLayer, contextLayer v1.Layer
	var g errgroup.Group

	if withDeps {
		g.Go(func() error {
			l, err := layerFromDir(depsDir, m.config.DepsPath, filepath.Join(layersDir, "deps.tar"))
			if err != nil {
				return fmt.Errorf("build dependency layer: %w", err)
			}
			depsLayer = l
			return nil
		})
	}
	g.Go(func() error {
		l, err := layerFromDir(contextDir, workDir, filepath.Join(layersDir, "context.tar"))
		if err != nil {
			return fmt.Errorf("build context layer: %w", err)
		}
		contextLayer = l
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var adds []layerAddendum
	if withDeps {
		adds = append(adds, layerAddendum{
			layer:     depsLayer,
			createdBy: fmt.Sprintf("kiln install --target %s", m.config.DepsPath),
		})
	}
	adds = append(adds, layerAddendum{
		layer:     contextLayer,
		createdBy: fmt.Sprintf("kiln copy . %s", workDir),
	})
	return adds, nil
}

// advance moves the record to the next status, persists it, and notifies
// subscribers.
func (m *manager) advance(rec *Assembly, status string) {
	rec.Status = status
	if err := writeRecord(m.paths, rec); err != nil {
		m.logger.Error("write record", "id", rec.ID, "status", status, "error", err)
	}
	m.trackers.Get(rec.ID).Publish(ProgressUpdate{Status: status})
}

// fail marks the record failed at step. Partially assembled image output is
// removed so a failed assembly exposes no artifact.
func (m *manager) fail(rec *Assembly, step string, err error, started time.Time) {
	msg := err.Error()
	now := time.Now()
	rec.Status = StatusFailed
	rec.FailedStep = &step
	rec.Error = &msg
	rec.FinishedAt = &now

	_ = os.RemoveAll(m.paths.AssemblyImageDir(rec.ID))

	if werr := writeRecord(m.paths, rec); werr != nil {
		m.logger.Error("write failed record", "id", rec.ID, "error", werr)
	}

	tracker := m.trackers.Get(rec.ID)
	tracker.Publish(ProgressUpdate{Status: StatusFailed, FailedStep: &step, Error: &msg})
	tracker.Close()

	if m.metrics != nil {
		m.metrics.RecordAssembly(context.Background(), StatusFailed, step, time.Since(started))
	}
}
