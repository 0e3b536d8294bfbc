package oci

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	appErr "wasmshim/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func writeBundle(t *testing.T, rspec RuntimeSpec) string {
	t.Helper()
	bundle := t.TempDir()
	if rspec.Root != nil && rspec.Root.Path != "" && !filepath.IsAbs(rspec.Root.Path) {
		if err := os.MkdirAll(filepath.Join(bundle, rspec.Root.Path), 0755); err != nil {
			t.Fatalf("mkdir rootfs: %v", err)
		}
	}
	data, err := json.Marshal(rspec)
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return bundle
}

func writeModule(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir module dir: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write module: %v", err)
	}
}

func baseSpec() RuntimeSpec {
	return RuntimeSpec{
		Process: &Process{
			Args: []string{"/app.wasm", "--verbose"},
			Env:  []string{"FOO=1", "BAR=two"},
			Cwd:  "/",
		},
		Root: &Root{Path: "rootfs"},
	}
}

func TestTranslateBundle(t *testing.T) {
	rspec := baseSpec()
	bundle := writeBundle(t, rspec)
	writeModule(t, filepath.Join(bundle, "rootfs"), "app.wasm", wasmHeader)

	tr, err := TranslateBundle(bundle)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if tr.Module.Path != filepath.Join(bundle, "rootfs", "app.wasm") {
		t.Fatalf("module path %q", tr.Module.Path)
	}
	if tr.Config.Env["FOO"] != "1" || tr.Config.Env["BAR"] != "two" {
		t.Fatalf("env %v", tr.Config.Env)
	}
	if len(tr.Config.Preopens) == 0 || tr.Config.Preopens[0].GuestPath != "/" {
		t.Fatalf("preopens %v", tr.Config.Preopens)
	}
}

func TestAnnotationOverridesEntrypoint(t *testing.T) {
	rspec := baseSpec()
	rspec.Annotations = map[string]string{AnnotationModulePath: "lib/real.wasm"}
	bundle := writeBundle(t, rspec)
	writeModule(t, filepath.Join(bundle, "rootfs"), "lib/real.wasm", wasmHeader)

	tr, err := TranslateBundle(bundle)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if tr.Module.SourcePath != "lib/real.wasm" {
		t.Fatalf("source path %q", tr.Module.SourcePath)
	}
}

func TestNativeEntrypointRejected(t *testing.T) {
	cases := []struct {
		name   string
		header []byte
	}{
		{"elf", []byte{0x7f, 0x45, 0x4c, 0x46, 0x02, 0x01}},
		{"shebang", []byte("#!/bin/sh\necho hi\n")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rspec := baseSpec()
			bundle := writeBundle(t, rspec)
			writeModule(t, filepath.Join(bundle, "rootfs"), "app.wasm", tc.header)

			_, err := TranslateBundle(bundle)
			if !appErr.Is(err, appErr.NotWasmWorkload) {
				t.Fatalf("expected NotWasmWorkload, got %v", err)
			}
		})
	}
}

func TestMissingModule(t *testing.T) {
	rspec := baseSpec()
	bundle := writeBundle(t, rspec)

	_, err := TranslateBundle(bundle)
	if !appErr.Is(err, appErr.NoModule) {
		t.Fatalf("expected NoModule, got %v", err)
	}
}

func TestDuplicateEnvRejected(t *testing.T) {
	rspec := baseSpec()
	rspec.Process.Env = []string{"FOO=1", "FOO=2"}
	bundle := writeBundle(t, rspec)
	writeModule(t, filepath.Join(bundle, "rootfs"), "app.wasm", wasmHeader)

	_, err := TranslateBundle(bundle)
	if !appErr.Is(err, appErr.DuplicateEnvKey) {
		t.Fatalf("expected DuplicateEnvKey, got %v", err)
	}
}

func TestCompressedModule(t *testing.T) {
	rspec := baseSpec()
	rspec.Process.Args = []string{"/app.wasm.zst"}
	bundle := writeBundle(t, rspec)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	compressed := enc.EncodeAll(wasmHeader, nil)
	_ = enc.Close()
	writeModule(t, filepath.Join(bundle, "rootfs"), "app.wasm.zst", compressed)

	tr, err := TranslateBundle(bundle)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if !tr.Module.Compressed {
		t.Fatal("module not marked compressed")
	}
	data, err := os.ReadFile(tr.Module.Path)
	if err != nil {
		t.Fatalf("read decompressed: %v", err)
	}
	if string(data) != string(wasmHeader) {
		t.Fatalf("decompressed content mismatch")
	}
}

func TestTranslateProcess(t *testing.T) {
	rspec := baseSpec()
	bundle := writeBundle(t, rspec)
	writeModule(t, filepath.Join(bundle, "rootfs"), "app.wasm", wasmHeader)
	base, err := TranslateBundle(bundle)
	if err != nil {
		t.Fatalf("translate bundle: %v", err)
	}

	raw, _ := json.Marshal(Process{Args: []string{"/tool.wasm"}, Env: []string{"X=y"}})
	cfg, err := TranslateProcess(raw, base)
	if err != nil {
		t.Fatalf("translate process: %v", err)
	}
	if cfg.Args[0] != "/tool.wasm" || cfg.Env["X"] != "y" {
		t.Fatalf("config %+v", cfg)
	}
	if cfg.Cwd != "/" {
		t.Fatalf("cwd %q", cfg.Cwd)
	}

	if _, err := TranslateProcess([]byte("{"), base); !appErr.Is(err, appErr.ConfigError) {
		t.Fatalf("expected ConfigError for bad json, got %v", err)
	}
}
