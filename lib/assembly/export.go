package assembly

import (
	"context"
	"fmt"
	"os"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/umoci/oci/cas/dir"
	"github.com/opencontainers/umoci/oci/casext"
	"github.com/opencontainers/umoci/oci/layer"
)

// ExportRootfs unpacks the assembled image filesystem into destDir. The
// assembly must be ready.
func (m *manager) ExportRootfs(ctx context.Context, id, destDir string) error {
	rec, err := readRecord(m.paths, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusReady {
		return fmt.Errorf("%w: assembly is %s", ErrNotReady, rec.Status)
	}

	return unpackRootfs(ctx, m.paths.AssemblyImageDir(id), assembledTag, destDir)
}

// unpackRootfs flattens the layers of the image tagged tag in layoutDir
// into destDir. Unpacking is rootless: container root maps to the current
// user so ownership never needs privileges.
func unpackRootfs(ctx context.Context, layoutDir, tag, destDir string) error {
	casEngine, err := dir.Open(layoutDir)
	if err != nil {
		return fmt.Errorf("open image layout: %w", err)
	}
	defer casEngine.Close()

	engine := casext.NewEngine(casEngine)
	descriptorPaths, err := engine.ResolveReference(ctx, tag)
	if err != nil {
		return fmt.Errorf("resolve image reference: %w", err)
	}
	if len(descriptorPaths) == 0 {
		return fmt.Errorf("image %q not found in layout", tag)
	}

	manifestBlob, err := engine.FromDescriptor(ctx, descriptorPaths[0].Descriptor())
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	manifest, ok := manifestBlob.Data.(ispec.Manifest)
	if !ok {
		return fmt.Errorf("manifest blob is %T, expected manifest", manifestBlob.Data)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create rootfs dir: %w", err)
	}

	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())
	opts := &layer.UnpackOptions{
		OnDiskFormat: layer.DirRootfs{
			MapOptions: layer.MapOptions{
				Rootless: true,
				UIDMappings: []rspec.LinuxIDMapping{
					{HostID: uid, ContainerID: 0, Size: 1},
				},
				GIDMappings: []rspec.LinuxIDMapping{
					{HostID: gid, ContainerID: 0, Size: 1},
				},
			},
		},
	}

	if err := layer.UnpackRootfs(ctx, casEngine, destDir, manifest, opts); err != nil {
		return fmt.Errorf("unpack rootfs: %w", err)
	}
	return nil
}
