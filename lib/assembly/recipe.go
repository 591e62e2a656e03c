package assembly

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// dockerfileTemplate renders the Dockerfile equivalent of an assembly: pin
// the base, install dependencies from the manifest alone so the layer
// survives context edits, snapshot the context, bind the entry command.
var dockerfileTemplate = template.Must(template.New("dockerfile").Parse(`FROM {{.Base}}
{{- range $k, $v := .Env}}
ENV {{$k}}={{$v}}
{{- end}}
{{- if .Manifest}}
COPY {{.Manifest}} {{.DepsManifest}}
RUN {{.Installer}} install --no-cache-dir -r {{.DepsManifest}}
{{- end}}
WORKDIR {{.WorkDir}}
COPY . {{.WorkDir}}
ENTRYPOINT {{.Entrypoint}}
`))

type dockerfileData struct {
	Base         string
	Env          map[string]string
	Manifest     string
	DepsManifest string
	Installer    string
	WorkDir      string
	Entrypoint   string
}

// RenderDockerfile expresses a definition as an equivalent Dockerfile.
// baseDigest, when known, pins the FROM line; otherwise the raw reference
// is used.
func RenderDockerfile(def Definition, baseDigest, installer string) (string, error) {
	if len(def.Entrypoint) == 0 {
		return "", fmt.Errorf("%w: entry command required", ErrEntryBinding)
	}

	baseRef, err := ParseBaseRef(def.Base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBaseResolution, err)
	}
	base := baseRef.String()
	if baseDigest != "" {
		base = baseRef.Repository() + "@" + baseDigest
	}

	entrypoint, err := json.Marshal(def.Entrypoint)
	if err != nil {
		return "", fmt.Errorf("encode entrypoint: %w", err)
	}

	var buf bytes.Buffer
	if err := dockerfileTemplate.Execute(&buf, dockerfileData{
		Base:         base,
		Env:          sortedEnv(def.Env),
		Manifest:     def.Manifest,
		DepsManifest: "/tmp/" + def.Manifest,
		Installer:    installer,
		WorkDir:      def.WorkDir,
		Entrypoint:   string(entrypoint),
	}); err != nil {
		return "", fmt.Errorf("render recipe: %w", err)
	}

	// Parse what we rendered so a malformed definition never produces an
	// unusable recipe.
	if _, err := parser.Parse(bytes.NewReader(buf.Bytes())); err != nil {
		return "", fmt.Errorf("rendered recipe does not parse: %w", err)
	}

	return buf.String(), nil
}

// sortedEnv returns env as-is; template range over a map is already
// key-sorted, this normalizes nil to an empty map for stable rendering.
func sortedEnv(env map[string]string) map[string]string {
	if env == nil {
		return map[string]string{}
	}
	return env
}
