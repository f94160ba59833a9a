package server

import (
	"os"
	"path/filepath"
	"testing"
)

const testTOML = `
[server]
http_address = "localhost:9999"
data_root = "data"
max_data_requests = 8

[cache]
size_mb = 256
ttl_seconds = 300

[groupcache]
cache_size_gb = 0
`

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0755); err != nil {
		t.Fatal(err)
	}
	fname := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(fname, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
	return fname
}

func TestLoadConfig(t *testing.T) {
	fname := writeConfig(t, testTOML)
	config, err := LoadConfig(fname)
	if err != nil {
		t.Fatal(err)
	}
	if config.Server.HTTPAddress != "localhost:9999" {
		t.Errorf("bad http address %q", config.Server.HTTPAddress)
	}
	if config.Server.MaxDataRequests != 8 {
		t.Errorf("bad max data requests %d", config.Server.MaxDataRequests)
	}
	if config.Cache.SizeMB != 256 || config.Cache.TTLSeconds != 300 {
		t.Errorf("bad cache config %+v", config.Cache)
	}

	// Relative data root resolves against the config file's directory.
	want := filepath.Join(filepath.Dir(fname), "data")
	if config.Server.DataRoot != want {
		t.Errorf("data root %q, want %q", config.Server.DataRoot, want)
	}
	if ConfigLocation() != fname {
		t.Errorf("bad config location %q", ConfigLocation())
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	fname := writeConfig(t, "[server]\ndata_root = \"data\"\n")
	config, err := LoadConfig(fname)
	if err != nil {
		t.Fatal(err)
	}
	if config.Server.HTTPAddress != DefaultWebAddress {
		t.Errorf("unset address should default to %q, got %q", DefaultWebAddress, config.Server.HTTPAddress)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	override := t.TempDir()
	t.Setenv("VISOR_DATA_ROOT", override)
	t.Setenv("VISOR_CACHE_MB", "0")

	fname := writeConfig(t, testTOML)
	config, err := LoadConfig(fname)
	if err != nil {
		t.Fatal(err)
	}
	if config.Server.DataRoot != override {
		t.Errorf("data root override ignored: %q", config.Server.DataRoot)
	}
	if config.Cache.SizeMB != 0 {
		t.Errorf("cache size override ignored: %d", config.Cache.SizeMB)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(""); err == nil {
		t.Errorf("empty filename should fail")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("missing file should fail")
	}

	fname := writeConfig(t, "[server]\nhttp_address = \"localhost:1\"\n")
	if _, err := LoadConfig(fname); err == nil {
		t.Errorf("config without data root should fail")
	}
}
