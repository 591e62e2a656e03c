package assembly

import "time"

// Assembly status values. Transitions are strictly linear; failed is the
// only branch and is terminal.
const (
	StatusPending               = "pending"
	StatusBaseReady             = "base_ready"
	StatusSourceCopied          = "source_copied"
	StatusDependenciesInstalled = "dependencies_installed"
	StatusEntryBound            = "entry_bound"
	StatusReady                 = "ready"
	StatusFailed                = "failed"
)

// Step names recorded on failed assemblies.
const (
	StepResolveBase         = "resolve_base"
	StepMaterializeContext  = "materialize_context"
	StepInstallDependencies = "install_dependencies"
	StepBindEntry           = "bind_entry"
	StepPublish             = "publish"
)

// Definition is the declarative input of an assembly: what to build from
// and the single command the result runs.
type Definition struct {
	// Base is the base environment reference, e.g. "python:3.11".
	Base string `json:"base"`

	// Manifest is the dependency manifest path relative to the context
	// root. Defaults to the manager's configured default.
	Manifest string `json:"manifest,omitempty"`

	// Entrypoint is the fixed argument vector the assembled image runs.
	// Exactly one entry command is active per image.
	Entrypoint []string `json:"entrypoint"`

	// WorkDir is the target path of the application directory snapshot
	// inside the image, and the working directory of the entry command.
	WorkDir string `json:"workdir,omitempty"`

	// Env holds additional environment variables bound into the image.
	Env map[string]string `json:"env,omitempty"`
}

// Assembly is the record of one image assembly.
type Assembly struct {
	ID         string     `json:"id"`
	Definition Definition `json:"definition"`

	Status        string  `json:"status"`
	QueuePosition *int    `json:"queue_position,omitempty"`
	FailedStep    *string `json:"failed_step,omitempty"`
	Error         *string `json:"error,omitempty"`

	// BaseDigest is the resolved manifest digest of the base environment.
	BaseDigest string `json:"base_digest,omitempty"`

	// ImageDigest identifies the assembled image. Only set once ready.
	ImageDigest string `json:"image_digest,omitempty"`
	SizeBytes   *int64 `json:"size_bytes,omitempty"`

	// Bound runtime configuration, as written into the image config.
	Entrypoint []string          `json:"entrypoint,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the assembly reached a terminal state.
func (a *Assembly) Finished() bool {
	return a.Status == StatusReady || a.Status == StatusFailed
}

// CreateAssemblyRequest describes a requested assembly. Exactly one context
// source must be set: a server-local directory, a git URL, or a tar.gz
// stream passed alongside the request.
type CreateAssemblyRequest struct {
	// Id is optional; generated from the base reference when empty.
	Id *string `json:"id,omitempty"`

	Definition Definition `json:"definition"`

	// ContextDir is a local directory to snapshot.
	ContextDir string `json:"context_dir,omitempty"`

	// GitURL clones a repository as the context; GitRef optionally pins a
	// branch or tag.
	GitURL string `json:"git_url,omitempty"`
	GitRef string `json:"git_ref,omitempty"`
}
