package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/visor-platform/visor/rescache"
	"github.com/visor-platform/visor/storage"
	"github.com/visor-platform/visor/visor"
)

const (
	// DefaultWebAddress is the default address of the data web server.
	DefaultWebAddress = "localhost:8250"

	// Environment variables that override the TOML config; the cache
	// override exists so deployments can disable caching without editing
	// the config file.
	envDataRoot = "VISOR_DATA_ROOT"
	envCacheMB  = "VISOR_CACHE_MB"
)

var (
	// the parsed TOML configuration data
	tc tomlConfig

	// the TOML config file location
	tcLocation string
)

type tomlConfig struct {
	Server     localConfig
	Logging    visor.LogConfig
	Cache      rescache.Config
	Groupcache storage.GroupcacheConfig
	Kafka      KafkaConfig
}

type localConfig struct {
	HTTPAddress string `toml:"http_address"`

	// DataRoot holds the specimens document, region hierarchies, and all
	// volume and mesh stores.
	DataRoot string `toml:"data_root"`

	// AllowedOrigins feeds the CORS layer; empty allows any origin.
	AllowedOrigins []string `toml:"allowed_origins"`

	// MaxDataRequests bounds concurrently served /data requests; further
	// requests queue.  Zero means unbounded.
	MaxDataRequests int `toml:"max_data_requests"`

	ShutdownDelaySec int `toml:"shutdown_delay"`
}

// LoadConfig reads the TOML configuration, applies environment overrides,
// and initializes logging per its [logging] section.
func LoadConfig(filename string) (*tomlConfig, error) {
	if filename == "" {
		return nil, fmt.Errorf("no server configuration file specified")
	}
	tc = tomlConfig{}
	if _, err := toml.DecodeFile(filename, &tc); err != nil {
		return nil, fmt.Errorf("unable to read config file %q: %v", filename, err)
	}
	tcLocation = filename

	if tc.Server.HTTPAddress == "" {
		tc.Server.HTTPAddress = DefaultWebAddress
	}
	if root := os.Getenv(envDataRoot); root != "" {
		tc.Server.DataRoot = root
	}
	if tc.Server.DataRoot == "" {
		return nil, fmt.Errorf("config %q sets no data root and %s is unset", filename, envDataRoot)
	}
	if mb := os.Getenv(envCacheMB); mb != "" {
		n, err := strconv.Atoi(mb)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad %s value %q", envCacheMB, mb)
		}
		tc.Cache.SizeMB = n
	}

	// Relative paths in the config are relative to the config file itself.
	configDir := filepath.Dir(filename)
	var err error
	if !filepath.IsAbs(tc.Server.DataRoot) {
		if tc.Server.DataRoot, err = filepath.Abs(filepath.Join(configDir, tc.Server.DataRoot)); err != nil {
			return nil, fmt.Errorf("unable to convert data root to absolute path: %v", err)
		}
	}
	if tc.Logging.Logfile != "" && !filepath.IsAbs(tc.Logging.Logfile) {
		if tc.Logging.Logfile, err = filepath.Abs(filepath.Join(configDir, tc.Logging.Logfile)); err != nil {
			return nil, fmt.Errorf("unable to convert logfile to absolute path: %v", err)
		}
	}

	tc.Logging.SetLogger()
	return &tc, nil
}

// ConfigLocation returns the path of the loaded TOML configuration.
func ConfigLocation() string {
	return tcLocation
}

// DataRoot returns the configured specimen data root.
func DataRoot() string {
	return tc.Server.DataRoot
}

// HTTPAddress returns the configured web server address.
func HTTPAddress() string {
	return tc.Server.HTTPAddress
}
