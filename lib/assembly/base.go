package assembly

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/containers/image/v5/copy"
	"github.com/containers/image/v5/docker"
	"github.com/containers/image/v5/manifest"
	ocilayout "github.com/containers/image/v5/oci/layout"
	"github.com/containers/image/v5/signature"
	"github.com/opencontainers/umoci/oci/cas/dir"
	"github.com/opencontainers/umoci/oci/casext"
)

// baseClient pulls base environments into a shared OCI layout without a
// Docker daemon. Images are tagged in the layout by digest hex, so every
// pull is cached and layers deduplicate across bases.
type baseClient struct {
	cacheDir string
}

func newBaseClient(cacheDir string) (*baseClient, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &baseClient{cacheDir: cacheDir}, nil
}

// ResolveDigest inspects the remote manifest to get its digest without
// pulling the image. Implements DigestResolver.
func (c *baseClient) ResolveDigest(ctx context.Context, imageRef string) (string, error) {
	srcRef, err := docker.ParseReference("//" + imageRef)
	if err != nil {
		return "", fmt.Errorf("parse base reference: %w", err)
	}

	src, err := srcRef.NewImageSource(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("create image source: %w", err)
	}
	defer src.Close()

	manifestBytes, _, err := src.GetManifest(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("get manifest: %w", err)
	}

	// For multi-arch bases this is the manifest list digest, which is
	// exactly what pins the pull.
	manifestDigest, err := manifest.Digest(manifestBytes)
	if err != nil {
		return "", fmt.Errorf("compute manifest digest: %w", err)
	}

	return manifestDigest.String(), nil
}

// EnsurePulled makes the base identified by (imageRef, digest) present in
// the shared layout, pulling only when the digest is not already cached.
// Returns the layout tag under which the base is stored and whether a pull
// was performed.
func (c *baseClient) EnsurePulled(ctx context.Context, imageRef, digest string, reportw io.Writer) (string, bool, error) {
	layoutTag := digestHex(digest)

	if c.existsInLayout(ctx, layoutTag) {
		return layoutTag, false, nil
	}

	srcRef, err := docker.ParseReference("//" + imageRef)
	if err != nil {
		return "", false, fmt.Errorf("parse base reference: %w", err)
	}

	destRef, err := ocilayout.ParseReference(c.cacheDir + ":" + layoutTag)
	if err != nil {
		return "", false, fmt.Errorf("parse layout reference: %w", err)
	}

	policyContext, err := signature.NewPolicyContext(&signature.Policy{
		Default: []signature.PolicyRequirement{signature.NewPRInsecureAcceptAnything()},
	})
	if err != nil {
		return "", false, fmt.Errorf("create policy context: %w", err)
	}
	defer policyContext.Destroy()

	if _, err := copy.Image(ctx, policyContext, destRef, srcRef, &copy.Options{
		ReportWriter: reportw,
	}); err != nil {
		return "", false, fmt.Errorf("copy base image: %w", err)
	}

	return layoutTag, true, nil
}

// existsInLayout checks whether a layout tag is already resolvable in the
// shared cache.
func (c *baseClient) existsInLayout(ctx context.Context, layoutTag string) bool {
	casEngine, err := dir.Open(c.cacheDir)
	if err != nil {
		return false
	}
	defer casEngine.Close()

	engine := casext.NewEngine(casEngine)
	descriptorPaths, err := engine.ResolveReference(ctx, layoutTag)
	if err != nil {
		return false
	}
	return len(descriptorPaths) > 0
}

