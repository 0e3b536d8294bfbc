// Package oci translates an OCI runtime spec (plus image-config annotations)
// into a wasm module reference and an execution configuration. Translation is
// pure with respect to OS resources: it rejects bad specs before any sandbox
// resource is allocated.
package oci

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"wasmshim/internal/shim/spec"
	appErr "wasmshim/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	configFileName = "config.json"

	// AnnotationModulePath names the wasm module inside the bundle rootfs,
	// overriding entrypoint resolution from process.args.
	AnnotationModulePath = "io.wasmshim.module.path"
	// AnnotationVariant marks the image as a wasm workload.
	AnnotationVariant = "module.wasm.image/variant"
)

var (
	elfMagic  = []byte{0x7f, 0x45, 0x4c, 0x46}
	wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}
	shebang   = []byte{0x23, 0x21}
)

// Translation is the result of translating one bundle.
type Translation struct {
	Module spec.ModuleRef
	Config spec.ExecutionConfig
	Spec   RuntimeSpec
}

// TranslateBundle reads <bundle>/config.json and derives the module reference
// and execution configuration for the task's main process.
func TranslateBundle(bundlePath string) (Translation, error) {
	if bundlePath == "" {
		return Translation{}, appErr.ValidationError("bundle_path", "required")
	}
	data, err := os.ReadFile(filepath.Join(bundlePath, configFileName))
	if err != nil {
		return Translation{}, appErr.Wrapf(err, appErr.BadBundle, "read bundle config")
	}
	var rspec RuntimeSpec
	if err := json.Unmarshal(data, &rspec); err != nil {
		return Translation{}, appErr.Wrapf(err, appErr.ConfigError, "decode runtime spec")
	}
	if rspec.Process == nil || len(rspec.Process.Args) == 0 {
		return Translation{}, appErr.New(appErr.ConfigError).WithMessage("runtime spec has no process args")
	}

	rootfs := ""
	if rspec.Root != nil {
		rootfs = rspec.Root.Path
		if rootfs != "" && !filepath.IsAbs(rootfs) {
			rootfs = filepath.Join(bundlePath, rootfs)
		}
	}

	module, err := resolveModule(rspec, rootfs)
	if err != nil {
		return Translation{}, err
	}

	cfg, err := buildExecutionConfig(rspec.Process, rspec.Mounts, rootfs)
	if err != nil {
		return Translation{}, err
	}

	return Translation{Module: module, Config: cfg, Spec: rspec}, nil
}

// TranslateProcess derives an execution configuration for an exec process
// from a raw OCI process document, reusing the task's rootfs and mounts.
func TranslateProcess(raw []byte, base Translation) (spec.ExecutionConfig, error) {
	if len(raw) == 0 {
		return spec.ExecutionConfig{}, appErr.ValidationError("process_spec", "required")
	}
	var proc Process
	if err := json.Unmarshal(raw, &proc); err != nil {
		return spec.ExecutionConfig{}, appErr.Wrapf(err, appErr.ConfigError, "decode process spec")
	}
	if len(proc.Args) == 0 {
		return spec.ExecutionConfig{}, appErr.New(appErr.ConfigError).WithMessage("process spec has no args")
	}
	rootfs := ""
	if base.Spec.Root != nil {
		rootfs = base.Spec.Root.Path
	}
	return buildExecutionConfig(&proc, base.Spec.Mounts, rootfs)
}

func buildExecutionConfig(proc *Process, mounts []Mount, rootfs string) (spec.ExecutionConfig, error) {
	env, err := parseEnv(proc.Env)
	if err != nil {
		return spec.ExecutionConfig{}, err
	}
	cwd := proc.Cwd
	if cwd == "" {
		cwd = "/"
	}
	return spec.ExecutionConfig{
		Args:     append([]string(nil), proc.Args...),
		Env:      env,
		Cwd:      cwd,
		Preopens: buildPreopens(mounts, rootfs),
	}, nil
}

// parseEnv converts KEY=VALUE pairs into a mapping, rejecting duplicates.
func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, appErr.Newf(appErr.ConfigError, "malformed env entry: %q", kv)
		}
		if _, ok := env[parts[0]]; ok {
			return nil, appErr.Newf(appErr.DuplicateEnvKey, "duplicate env key: %s", parts[0])
		}
		env[parts[0]] = parts[1]
	}
	return env, nil
}

// buildPreopens maps bind mounts into guest preopened directories. The guest
// always sees the task cwd root; additional bind mounts map by destination.
func buildPreopens(mounts []Mount, rootfs string) []spec.PreopenDir {
	preopens := []spec.PreopenDir{}
	if rootfs != "" {
		preopens = append(preopens, spec.PreopenDir{HostPath: rootfs, GuestPath: "/"})
	}
	for _, m := range mounts {
		if m.Type != "bind" && m.Type != "" {
			continue
		}
		if m.Source == "" || m.Destination == "" {
			continue
		}
		preopens = append(preopens, spec.PreopenDir{
			HostPath:  m.Source,
			GuestPath: m.Destination,
		})
	}
	return preopens
}

// resolveModule finds the wasm module artifact for the bundle. The annotation
// wins over entrypoint resolution; either way the artifact must exist inside
// the rootfs and carry the wasm magic (possibly behind zstd compression).
// An ELF or shebang entrypoint is not a wasm workload and is rejected so the
// orchestrator can fall back to a native runtime.
func resolveModule(rspec RuntimeSpec, rootfs string) (spec.ModuleRef, error) {
	candidate := rspec.Annotations[AnnotationModulePath]
	if candidate == "" {
		candidate = rspec.Process.Args[0]
	}
	if candidate == "" {
		return spec.ModuleRef{}, appErr.New(appErr.NoModule)
	}

	hostPath := candidate
	if rootfs != "" && !strings.HasPrefix(candidate, rootfs) {
		hostPath = filepath.Join(rootfs, candidate)
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return spec.ModuleRef{}, appErr.Wrapf(err, appErr.NoModule, "module %q not found in bundle", candidate)
	}
	defer f.Close()

	header := make([]byte, 4)
	if _, err := io.ReadFull(f, header); err != nil {
		return spec.ModuleRef{}, appErr.Wrapf(err, appErr.NoModule, "module %q unreadable", candidate)
	}

	switch {
	case bytes.Equal(header, wasmMagic):
		return spec.ModuleRef{Path: hostPath, SourcePath: candidate}, nil
	case bytes.Equal(header, elfMagic), bytes.HasPrefix(header, shebang):
		return spec.ModuleRef{}, appErr.Newf(appErr.NotWasmWorkload, "entrypoint %q is a native executable", candidate)
	case strings.HasSuffix(hostPath, ".zst"):
		return decompressModule(hostPath, candidate)
	default:
		return spec.ModuleRef{}, appErr.Newf(appErr.NoModule, "entrypoint %q is not a wasm module", candidate)
	}
}

// decompressModule writes the decompressed artifact next to the compressed
// one, dropping the .zst suffix.
func decompressModule(hostPath, sourcePath string) (spec.ModuleRef, error) {
	in, err := os.Open(hostPath)
	if err != nil {
		return spec.ModuleRef{}, appErr.Wrapf(err, appErr.ModuleDecompress, "open compressed module")
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return spec.ModuleRef{}, appErr.Wrapf(err, appErr.ModuleDecompress, "init zstd reader")
	}
	defer dec.Close()

	outPath := strings.TrimSuffix(hostPath, ".zst")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return spec.ModuleRef{}, appErr.Wrapf(err, appErr.ModuleDecompress, "create decompressed module")
	}
	defer out.Close()

	if _, err := io.Copy(out, dec); err != nil {
		return spec.ModuleRef{}, appErr.Wrapf(err, appErr.ModuleDecompress, "decompress module")
	}

	header := make([]byte, 4)
	f, err := os.Open(outPath)
	if err != nil {
		return spec.ModuleRef{}, appErr.Wrapf(err, appErr.ModuleDecompress, "reopen decompressed module")
	}
	defer f.Close()
	if _, err := io.ReadFull(f, header); err != nil || !bytes.Equal(header, wasmMagic) {
		return spec.ModuleRef{}, appErr.Newf(appErr.NoModule, "decompressed artifact %q is not a wasm module", sourcePath)
	}

	return spec.ModuleRef{Path: outPath, Compressed: true, SourcePath: sourcePath}, nil
}
