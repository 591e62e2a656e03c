// Package registry serves assembled images over a read-only subset of the
// OCI Distribution Spec, so any container runtime can pull straight from
// kiln without a separate registry deployment.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kilnhq/kiln/lib/assembly"
	"github.com/kilnhq/kiln/lib/logger"
	"github.com/kilnhq/kiln/lib/otel"
	"github.com/kilnhq/kiln/lib/paths"
)

// Registry exposes every ready assembly as the repository
// "assemblies/<id>". Only pulls are supported; pushes get 405.
type Registry struct {
	paths     *paths.Paths
	assembler assembly.Manager
	metrics   *otel.RegistryMetrics
}

var (
	manifestPattern = regexp.MustCompile(`^/v2/assemblies/([^/]+)/manifests/([^/]+)$`)
	blobPattern     = regexp.MustCompile(`^/v2/assemblies/([^/]+)/blobs/(sha256:[a-f0-9]{64})$`)
)

// New creates a registry over the assembly store. metrics may be nil.
func New(p *paths.Paths, assembler assembly.Manager, metrics *otel.RegistryMetrics) *Registry {
	return &Registry{paths: p, assembler: assembler, metrics: metrics}
}

// Handler returns the /v2 endpoint handler. Mount it at the server root so
// request paths keep their /v2 prefix.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			writeRegistryError(w, http.StatusMethodNotAllowed, "UNSUPPORTED", "registry is read-only")
			return
		}

		if req.URL.Path == "/v2/" || req.URL.Path == "/v2" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "{}")
			return
		}

		if m := manifestPattern.FindStringSubmatch(req.URL.Path); m != nil {
			r.serveManifest(w, req, m[1], m[2])
			return
		}
		if m := blobPattern.FindStringSubmatch(req.URL.Path); m != nil {
			r.serveBlob(w, req, m[1], m[2])
			return
		}

		writeRegistryError(w, http.StatusNotFound, "NAME_UNKNOWN", "unknown repository or endpoint")
	})
}

// layoutDir returns the image layout for a ready assembly.
func (r *Registry) layoutDir(req *http.Request, id string) (string, bool) {
	rec, err := r.assembler.GetAssembly(req.Context(), id)
	if err != nil || rec.Status != assembly.StatusReady {
		return "", false
	}
	return r.paths.AssemblyImageDir(id), true
}

func (r *Registry) serveManifest(w http.ResponseWriter, req *http.Request, id, reference string) {
	log := logger.FromContext(req.Context())

	layoutDir, ok := r.layoutDir(req, id)
	if !ok {
		writeRegistryError(w, http.StatusNotFound, "NAME_UNKNOWN", "assembly not found or not ready")
		return
	}

	digest := reference
	if !strings.HasPrefix(reference, "sha256:") {
		resolved, err := resolveTag(layoutDir, reference)
		if err != nil {
			writeRegistryError(w, http.StatusNotFound, "MANIFEST_UNKNOWN", "unknown manifest tag")
			return
		}
		digest = resolved
	}

	data, err := readLayoutBlob(layoutDir, digest)
	if err != nil {
		writeRegistryError(w, http.StatusNotFound, "MANIFEST_UNKNOWN", "manifest not found")
		return
	}

	mediaType := manifestMediaType(data)
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Docker-Content-Digest", digest)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodGet {
		if _, err := w.Write(data); err != nil {
			log.WarnContext(req.Context(), "write manifest response", "error", err)
			return
		}
	}

	if r.metrics != nil {
		r.metrics.ManifestsServed.Add(req.Context(), 1)
	}
}

func (r *Registry) serveBlob(w http.ResponseWriter, req *http.Request, id, digest string) {
	log := logger.FromContext(req.Context())

	layoutDir, ok := r.layoutDir(req, id)
	if !ok {
		writeRegistryError(w, http.StatusNotFound, "NAME_UNKNOWN", "assembly not found or not ready")
		return
	}

	path := blobPath(layoutDir, digest)
	info, err := os.Stat(path)
	if err != nil {
		writeRegistryError(w, http.StatusNotFound, "BLOB_UNKNOWN", "blob not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", digest)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))

	if req.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeRegistryError(w, http.StatusInternalServerError, "BLOB_UNKNOWN", "blob unreadable")
		return
	}
	defer f.Close()

	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, f)
	if err != nil {
		log.WarnContext(req.Context(), "stream blob", "digest", digest, "error", err)
	}

	if r.metrics != nil {
		r.metrics.BlobsServed.Add(req.Context(), 1)
		r.metrics.BlobBytesServed.Add(req.Context(), n)
	}
}

// resolveTag maps a tag to a manifest digest via the layout index ref.name
// annotations.
func resolveTag(layoutDir, tag string) (string, error) {
	data, err := os.ReadFile(filepath.Join(layoutDir, "index.json"))
	if err != nil {
		return "", fmt.Errorf("read layout index: %w", err)
	}

	var index struct {
		Manifests []struct {
			Digest      string            `json:"digest"`
			Annotations map[string]string `json:"annotations"`
		} `json:"manifests"`
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return "", fmt.Errorf("parse layout index: %w", err)
	}

	for _, m := range index.Manifests {
		if m.Annotations["org.opencontainers.image.ref.name"] == tag {
			return m.Digest, nil
		}
	}
	return "", errors.New("tag not in layout index")
}

func blobPath(layoutDir, digest string) string {
	return filepath.Join(layoutDir, "blobs", "sha256", strings.TrimPrefix(digest, "sha256:"))
}

func readLayoutBlob(layoutDir, digest string) ([]byte, error) {
	return os.ReadFile(blobPath(layoutDir, digest))
}

func manifestMediaType(data []byte) string {
	var m struct {
		MediaType string `json:"mediaType"`
	}
	if json.Unmarshal(data, &m) == nil && m.MediaType != "" {
		return m.MediaType
	}
	return "application/vnd.oci.image.manifest.v1+json"
}

// registryError is the Distribution Spec error envelope.
type registryError struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func writeRegistryError(w http.ResponseWriter, status int, code, message string) {
	var body registryError
	body.Errors = append(body.Errors, struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Code: code, Message: message})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
