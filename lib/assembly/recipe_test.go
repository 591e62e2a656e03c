package assembly

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderDockerfile(t *testing.T) {
	def := Definition{
		Base:       "python:3.11",
		Manifest:   "requirements.txt",
		Entrypoint: []string{"python3", "main.py"},
		WorkDir:    "/usr/src/app",
		Env:        map[string]string{"APIFY_LOG_LEVEL": "INFO"},
	}

	out, err := RenderDockerfile(def, "", "pip3")
	require.NoError(t, err)

	require.Contains(t, out, "FROM docker.io/library/python:3.11\n")
	require.Contains(t, out, "ENV APIFY_LOG_LEVEL=INFO\n")
	require.Contains(t, out, "COPY requirements.txt /tmp/requirements.txt\n")
	require.Contains(t, out, "RUN pip3 install --no-cache-dir -r /tmp/requirements.txt\n")
	require.Contains(t, out, "WORKDIR /usr/src/app\n")
	require.Contains(t, out, "COPY . /usr/src/app\n")
	require.Contains(t, out, `ENTRYPOINT ["python3","main.py"]`)

	// Dependency install comes before the context snapshot so manifest
	// changes alone invalidate the dependency layer.
	require.Less(t, strings.Index(out, "RUN pip3"), strings.Index(out, "COPY . "))
}

func TestRenderDockerfilePinsDigest(t *testing.T) {
	def := Definition{
		Base:       "python:3.11",
		Entrypoint: []string{"python3", "main.py"},
		WorkDir:    "/usr/src/app",
	}
	digest := "sha256:4f53cda18c2baa0c0354bb86f5c9b93a0bbd8b5f1b09d5d3a2b9e7a4d5c6e7f8"

	out, err := RenderDockerfile(def, digest, "pip3")
	require.NoError(t, err)
	require.Contains(t, out, "FROM docker.io/library/python@"+digest+"\n")
}

func TestRenderDockerfileNoManifest(t *testing.T) {
	def := Definition{
		Base:       "python:3.11",
		Entrypoint: []string{"python3", "main.py"},
		WorkDir:    "/usr/src/app",
	}

	out, err := RenderDockerfile(def, "", "pip3")
	require.NoError(t, err)
	require.NotContains(t, out, "RUN")
	require.NotContains(t, out, "requirements.txt")
}

func TestRenderDockerfileRequiresEntrypoint(t *testing.T) {
	_, err := RenderDockerfile(Definition{Base: "python:3.11", WorkDir: "/app"}, "", "pip3")
	require.ErrorIs(t, err, ErrEntryBinding)
}

func TestRenderDockerfileRejectsBadBase(t *testing.T) {
	_, err := RenderDockerfile(Definition{Base: "Not A Ref", Entrypoint: []string{"x"}, WorkDir: "/app"}, "", "pip3")
	require.ErrorIs(t, err, ErrBaseResolution)
}
