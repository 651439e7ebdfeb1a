package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingExplicitPathIsFatal(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err == nil {
		t.Fatal("expected a ConfigError for a missing --config target")
	}
}

func TestLoadNoDiscoveredFileReturnsDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Defaults()
	if cfg.SpoolRoot != want.SpoolRoot || cfg.FragmentMax != want.FragmentMax {
		t.Fatalf("got %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadDecodesTOMLAndFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cryophile.toml")
	body := `
spool_root = "/tmp/spool"

[remote]
provider = "minio"
bucket = "backups"
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SpoolRoot != "/tmp/spool" {
		t.Fatalf("got SpoolRoot %q, want /tmp/spool", cfg.SpoolRoot)
	}
	if cfg.Remote.Provider != "minio" || cfg.Remote.Bucket != "backups" {
		t.Fatalf("got Remote %+v", cfg.Remote)
	}
	if cfg.FragmentMax != Defaults().FragmentMax {
		t.Fatalf("expected FragmentMax to fall back to default, got %d", cfg.FragmentMax)
	}
}

func TestXDGDiscoveryFindsConfig(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dir := filepath.Join(xdg, "cryophile")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cryophile.toml"), []byte(`compression = "lz4"`), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Compression != "lz4" {
		t.Fatalf("got Compression %q, want lz4", cfg.Compression)
	}
}
