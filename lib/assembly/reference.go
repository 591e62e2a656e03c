package assembly

import (
	"context"

	"github.com/distribution/reference"
	godigest "github.com/opencontainers/go-digest"
)

// BaseRef is a validated and normalized base environment reference, either
// tagged ("docker.io/library/python:3.11") or pinned by digest
// ("docker.io/library/python@sha256:...").
type BaseRef struct {
	raw        string
	repository string
	tag        string // empty for digest refs
	digest     string // empty for tagged refs
}

// ParseBaseRef validates and normalizes a user-provided base reference.
// Shorthand forms are expanded: "python" becomes
// "docker.io/library/python:latest".
func ParseBaseRef(s string) (*BaseRef, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return nil, err
	}

	ref := &BaseRef{
		repository: reference.Domain(named) + "/" + reference.Path(named),
	}

	if canonical, ok := named.(reference.Canonical); ok {
		ref.digest = canonical.Digest().String()
		ref.raw = canonical.String()
		return ref, nil
	}

	tagged := reference.TagNameOnly(named)
	if t, ok := tagged.(reference.Tagged); ok {
		ref.tag = t.Tag()
	}
	ref.raw = tagged.String()

	return ref, nil
}

// String returns the full normalized reference.
func (r *BaseRef) String() string { return r.raw }

// Repository returns the repository path without tag or digest.
func (r *BaseRef) Repository() string { return r.repository }

// Tag returns the tag for tagged references, empty otherwise.
func (r *BaseRef) Tag() string { return r.tag }

// IsPinned reports whether the reference already carries a digest.
func (r *BaseRef) IsPinned() bool { return r.digest != "" }

// Digest returns the digest for pinned references, empty otherwise.
func (r *BaseRef) Digest() string { return r.digest }

// DigestResolver resolves a reference to its manifest digest without
// pulling the image.
type DigestResolver interface {
	ResolveDigest(ctx context.Context, imageRef string) (string, error)
}

// Resolve returns the authoritative manifest digest for the reference.
// Pinned references resolve to their own digest without a registry round
// trip; tagged references ask the resolver. A reproducible assembly never
// substitutes a different base, so resolution failures are fatal to the
// caller.
func (r *BaseRef) Resolve(ctx context.Context, resolver DigestResolver) (string, error) {
	if r.IsPinned() {
		return r.digest, nil
	}
	return resolver.ResolveDigest(ctx, r.raw)
}

// digestHex returns the hex portion of a digest string, used as the layout
// tag in the shared OCI cache.
func digestHex(digest string) string {
	if d, err := godigest.Parse(digest); err == nil {
		return d.Encoded()
	}
	return digest
}
