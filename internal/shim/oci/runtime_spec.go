package oci

// Subset of the OCI runtime specification consumed by the shim. The bundle's
// config.json is read-only input; fields the shim does not act on are ignored
// by the decoder.

// RuntimeSpec mirrors the fields of an OCI runtime spec the shim consumes.
type RuntimeSpec struct {
	Process     *Process          `json:"process"`
	Root        *Root             `json:"root"`
	Mounts      []Mount           `json:"mounts"`
	Annotations map[string]string `json:"annotations"`
}

// Process is the OCI process block.
type Process struct {
	Args []string `json:"args"`
	Env  []string `json:"env"`
	Cwd  string   `json:"cwd"`
}

// Root is the OCI root filesystem block.
type Root struct {
	Path     string `json:"path"`
	Readonly bool   `json:"readonly"`
}

// Mount is one OCI mount entry.
type Mount struct {
	Destination string   `json:"destination"`
	Type        string   `json:"type"`
	Source      string   `json:"source"`
	Options     []string `json:"options"`
}
