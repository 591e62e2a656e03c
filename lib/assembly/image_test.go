package assembly

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/types"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

// fakeBase builds a minimal OCI image usable as a base in tests.
func fakeBase(t *testing.T) v1.Image {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "os-release"), []byte("ID=fake\n"), 0644))

	l, err := layerFromDir(dir, "/etc", filepath.Join(t.TempDir(), "base.tar"))
	require.NoError(t, err)

	img := mutate.MediaType(empty.Image, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, types.OCIConfigJSON)
	img, err = mutate.Append(img, mutate.Addendum{Layer: l})
	require.NoError(t, err)

	cfg, err := img.ConfigFile()
	require.NoError(t, err)
	cfg = cfg.DeepCopy()
	cfg.Config.Cmd = []string{"/bin/sh"}
	cfg.Config.Env = []string{"PATH=/usr/bin", "LANG=C"}
	img, err = mutate.ConfigFile(img, cfg)
	require.NoError(t, err)
	return img
}

func TestComposeImageBindsEntry(t *testing.T) {
	base := fakeBase(t)

	appDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "main.py"), []byte("print('hi')\n"), 0644))
	l, err := layerFromDir(appDir, "/usr/src/app", filepath.Join(t.TempDir(), "app.tar"))
	require.NoError(t, err)

	img, err := composeImage(base, []layerAddendum{{layer: l, createdBy: "kiln copy . /usr/src/app"}}, bindSpec{
		Entrypoint: []string{"python3", "main.py"},
		WorkingDir: "/usr/src/app",
		Env:        map[string]string{"LANG": "C.UTF-8", "PYTHONPATH": "/opt/kiln/deps"},
	})
	require.NoError(t, err)

	cfg, err := img.ConfigFile()
	require.NoError(t, err)
	require.Equal(t, []string{"python3", "main.py"}, cfg.Config.Entrypoint)
	require.Empty(t, cfg.Config.Cmd)
	require.Equal(t, "/usr/src/app", cfg.Config.WorkingDir)
	require.Equal(t, []string{"PATH=/usr/bin", "LANG=C.UTF-8", "PYTHONPATH=/opt/kiln/deps"}, cfg.Config.Env)
	require.True(t, cfg.Created.Time.IsZero())

	layers, err := img.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 2)
}

func TestComposeImageRequiresEntrypoint(t *testing.T) {
	_, err := composeImage(fakeBase(t), nil, bindSpec{WorkingDir: "/app"})
	require.ErrorIs(t, err, ErrEntryBinding)
}

func TestComposeImageDeterministicDigest(t *testing.T) {
	appDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "main.py"), []byte("print('hi')\n"), 0644))

	build := func(tarPath string) v1.Image {
		l, err := layerFromDir(appDir, "/usr/src/app", tarPath)
		require.NoError(t, err)
		img, err := composeImage(fakeBase(t), []layerAddendum{{layer: l}}, bindSpec{
			Entrypoint: []string{"python3", "main.py"},
			WorkingDir: "/usr/src/app",
		})
		require.NoError(t, err)
		return img
	}

	d1, err := build(filepath.Join(t.TempDir(), "a.tar")).Digest()
	require.NoError(t, err)
	d2, err := build(filepath.Join(t.TempDir(), "b.tar")).Digest()
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestExportImageWritesLayout(t *testing.T) {
	img, err := composeImage(fakeBase(t), nil, bindSpec{Entrypoint: []string{"python3"}})
	require.NoError(t, err)

	layoutDir := filepath.Join(t.TempDir(), "image")
	digest, size, err := exportImage(img, layoutDir)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(digest, "sha256:"))
	require.Greater(t, size, int64(0))

	idx, err := layout.ImageIndexFromPath(layoutDir)
	require.NoError(t, err)
	im, err := idx.IndexManifest()
	require.NoError(t, err)
	require.Len(t, im.Manifests, 1)
	require.Equal(t, assembledTag, im.Manifests[0].Annotations[ispec.AnnotationRefName])
	require.Equal(t, digest, im.Manifests[0].Digest.String())
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "LANG=C"}

	got := mergeEnv(base, map[string]string{"LANG": "C.UTF-8", "B_NEW": "2", "A_NEW": "1"})
	require.Equal(t, []string{"PATH=/usr/bin", "LANG=C.UTF-8", "A_NEW=1", "B_NEW=2"}, got)

	// No overlay returns the base untouched.
	require.Equal(t, base, mergeEnv(base, nil))
}
