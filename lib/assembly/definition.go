package assembly

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ghodss/yaml"
)

// DefinitionFile is the name of the optional in-context definition file.
// Fields from the request always win over fields from the file.
const DefinitionFile = "kiln.yaml"

// LoadDefinitionFile reads kiln.yaml from the context root if present.
// Returns nil without error when the file does not exist.
func LoadDefinitionFile(contextDir string) (*Definition, error) {
	path := filepath.Join(contextDir, DefinitionFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", DefinitionFile, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", DefinitionFile, err)
	}

	return &def, nil
}

// mergeDefinition overlays req on top of file. Only empty request fields
// fall back to the file.
func mergeDefinition(req Definition, file *Definition) Definition {
	if file == nil {
		return req
	}

	out := req
	if out.Base == "" {
		out.Base = file.Base
	}
	if out.Manifest == "" {
		out.Manifest = file.Manifest
	}
	if len(out.Entrypoint) == 0 {
		out.Entrypoint = file.Entrypoint
	}
	if out.WorkDir == "" {
		out.WorkDir = file.WorkDir
	}
	if len(file.Env) > 0 {
		merged := make(map[string]string, len(file.Env)+len(out.Env))
		for k, v := range file.Env {
			merged[k] = v
		}
		for k, v := range out.Env {
			merged[k] = v
		}
		out.Env = merged
	}

	return out
}

// applyDefaults fills unset definition fields from manager configuration.
func (m *manager) applyDefaults(def Definition) Definition {
	if def.Manifest == "" {
		def.Manifest = m.config.DefaultManifest
	}
	if def.WorkDir == "" {
		def.WorkDir = m.config.DefaultWorkDir
	}
	return def
}
