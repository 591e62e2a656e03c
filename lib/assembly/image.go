package assembly

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
)

// assembledTag is the layout tag the assembled image is stored under.
const assembledTag = "latest"

// loadBaseImage opens the pulled base from the shared cache layout as a
// registry image, resolving the digest-hex tag written at pull time.
func loadBaseImage(cacheDir, layoutTag string) (v1.Image, error) {
	idx, err := layout.ImageIndexFromPath(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("open cache layout: %w", err)
	}

	im, err := idx.IndexManifest()
	if err != nil {
		return nil, fmt.Errorf("read cache index: %w", err)
	}

	for _, desc := range im.Manifests {
		if desc.Annotations[ispec.AnnotationRefName] != layoutTag {
			continue
		}
		if desc.MediaType.IsIndex() {
			nested, err := idx.ImageIndex(desc.Digest)
			if err != nil {
				return nil, fmt.Errorf("open nested index: %w", err)
			}
			return firstImage(nested)
		}
		return idx.Image(desc.Digest)
	}

	return nil, fmt.Errorf("base %s not found in cache layout", layoutTag)
}

func firstImage(idx v1.ImageIndex) (v1.Image, error) {
	im, err := idx.IndexManifest()
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	for _, desc := range im.Manifests {
		if desc.MediaType.IsImage() {
			return idx.Image(desc.Digest)
		}
	}
	return nil, fmt.Errorf("index contains no image manifest")
}

// layerAddendum pairs a layer with the history entry describing the
// assembly step that produced it.
type layerAddendum struct {
	layer     v1.Layer
	createdBy string
}

// bindSpec is the runtime configuration bound into the assembled image.
// The entry command is a first-class argument vector: substituting a
// different entry point never requires re-deriving the assembly.
type bindSpec struct {
	Entrypoint []string
	WorkingDir string
	Env        map[string]string
}

// composeImage appends the assembly layers onto the base and binds the
// entry command. The produced config has exactly one active entry command:
// the base Cmd is cleared so nothing competes with the bound entrypoint.
func composeImage(base v1.Image, adds []layerAddendum, bind bindSpec) (v1.Image, error) {
	if len(bind.Entrypoint) == 0 {
		return nil, fmt.Errorf("%w: entry command is empty", ErrEntryBinding)
	}

	addenda := make([]mutate.Addendum, 0, len(adds))
	for _, a := range adds {
		addenda = append(addenda, mutate.Addendum{
			Layer: a.layer,
			History: v1.History{
				CreatedBy: a.createdBy,
				Created:   v1.Time{},
			},
		})
	}

	img, err := mutate.Append(base, addenda...)
	if err != nil {
		return nil, fmt.Errorf("%w: append layers: %s", ErrEntryBinding, err)
	}

	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("%w: read config: %s", ErrEntryBinding, err)
	}
	cfgFile = cfgFile.DeepCopy()

	cfgFile.Config.Entrypoint = bind.Entrypoint
	cfgFile.Config.Cmd = nil
	cfgFile.Config.WorkingDir = bind.WorkingDir
	cfgFile.Config.Env = mergeEnv(cfgFile.Config.Env, bind.Env)
	// Zeroed creation time keeps identical inputs producing identical
	// image digests.
	cfgFile.Created = v1.Time{}

	img, err = mutate.ConfigFile(img, cfgFile)
	if err != nil {
		return nil, fmt.Errorf("%w: write config: %s", ErrEntryBinding, err)
	}

	// The output layout is consumed by OCI-only tooling, so the manifest
	// and config must carry OCI media types regardless of the base's.
	img = mutate.MediaType(img, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, types.OCIConfigJSON)

	return img, nil
}

// mergeEnv overlays vars onto an existing K=V list. Existing keys are
// replaced in place; new keys are appended in sorted order so the result
// is deterministic.
func mergeEnv(base []string, vars map[string]string) []string {
	if len(vars) == 0 {
		return base
	}

	overlay := make(map[string]string, len(vars))
	for k, v := range vars {
		overlay[k] = v
	}

	out := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if v, ok := overlay[key]; ok {
			out = append(out, key+"="+v)
			delete(overlay, key)
			continue
		}
		out = append(out, kv)
	}

	added := lo.MapToSlice(overlay, func(k, v string) string { return k + "=" + v })
	sort.Strings(added)

	return append(out, added...)
}

// exportImage writes the assembled image to its own OCI layout and returns
// the image digest and total content size.
func exportImage(img v1.Image, layoutDir string) (string, int64, error) {
	p, err := layout.Write(layoutDir, empty.Index)
	if err != nil {
		return "", 0, fmt.Errorf("write layout: %w", err)
	}

	if err := p.AppendImage(img, layout.WithAnnotations(map[string]string{
		ispec.AnnotationRefName: assembledTag,
	})); err != nil {
		return "", 0, fmt.Errorf("append image: %w", err)
	}

	digest, err := img.Digest()
	if err != nil {
		return "", 0, fmt.Errorf("image digest: %w", err)
	}

	mfst, err := img.Manifest()
	if err != nil {
		return "", 0, fmt.Errorf("image manifest: %w", err)
	}
	size := mfst.Config.Size
	for _, l := range mfst.Layers {
		size += l.Size
	}

	return digest.String(), size, nil
}

// pushImage publishes the assembled image to an external registry.
func pushImage(ctx context.Context, img v1.Image, registry, id string) error {
	ref, err := name.ParseReference(fmt.Sprintf("%s/assemblies/%s:%s", registry, id, assembledTag))
	if err != nil {
		return fmt.Errorf("parse push reference: %w", err)
	}
	if err := remote.Write(ref, img, remote.WithContext(ctx)); err != nil {
		return fmt.Errorf("push image: %w", err)
	}
	return nil
}
