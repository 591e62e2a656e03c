// Package paths centralizes the on-disk layout under the data directory.
package paths

import "path/filepath"

// Paths resolves every location kiln writes to beneath a single data dir.
//
// Layout:
//
//	<data>/cache/oci/            shared OCI layout for pulled base images
//	<data>/assemblies/<id>/      per-assembly working and output state
//	    metadata.json
//	    assembly.log
//	    context/                 materialized application directory
//	    deps/                    installer staging directory
//	    layers/                  deterministic layer tarballs
//	    image/                   OCI layout holding the assembled image
type Paths struct {
	dataDir string
}

func New(dataDir string) *Paths {
	return &Paths{dataDir: dataDir}
}

// DataDir returns the root data directory.
func (p *Paths) DataDir() string {
	return p.dataDir
}

// OCICacheDir is the shared OCI layout used as the base image cache.
func (p *Paths) OCICacheDir() string {
	return filepath.Join(p.dataDir, "cache", "oci")
}

// AssembliesDir is the parent directory of all assembly records.
func (p *Paths) AssembliesDir() string {
	return filepath.Join(p.dataDir, "assemblies")
}

func (p *Paths) AssemblyDir(id string) string {
	return filepath.Join(p.AssembliesDir(), id)
}

func (p *Paths) AssemblyMetadata(id string) string {
	return filepath.Join(p.AssemblyDir(id), "metadata.json")
}

// AssemblyLog holds the combined output of the assembly steps, most
// importantly the dependency installer.
func (p *Paths) AssemblyLog(id string) string {
	return filepath.Join(p.AssemblyDir(id), "assembly.log")
}

// AssemblyIncomingDir holds the raw build context as received (extracted
// upload or git clone) before the copy step materializes it.
func (p *Paths) AssemblyIncomingDir(id string) string {
	return filepath.Join(p.AssemblyDir(id), "incoming")
}

// AssemblyContextDir is where the application directory is materialized.
func (p *Paths) AssemblyContextDir(id string) string {
	return filepath.Join(p.AssemblyDir(id), "context")
}

// AssemblyDepsDir is the staging target for the dependency installer.
func (p *Paths) AssemblyDepsDir(id string) string {
	return filepath.Join(p.AssemblyDir(id), "deps")
}

// AssemblyLayersDir holds the deterministic layer tarballs before append.
func (p *Paths) AssemblyLayersDir(id string) string {
	return filepath.Join(p.AssemblyDir(id), "layers")
}

// AssemblyImageDir is the OCI layout the assembled image is written to.
func (p *Paths) AssemblyImageDir(id string) string {
	return filepath.Join(p.AssemblyDir(id), "image")
}
