package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/mindist/pkg/types"
)

// maxWorkersPerMachine caps the pool size whatever the configuration says.
const maxWorkersPerMachine = 20

// Config represents the complete processor configuration.
// Maps config file fields through YAML tags; environment variables are
// applied on top by applyEnv.
type Config struct {
	Processor struct {
		Workers           int           `yaml:"workers"` // 0 means one per CPU
		MaxStructures     int           `yaml:"max_structures"`
		Mode              string        `yaml:"mode"`
		Launcher          string        `yaml:"launcher"` // exec or local
		WorkDir           string        `yaml:"work_dir"`
		RunInterval       time.Duration `yaml:"run_interval"`
		RevivalDelay      time.Duration `yaml:"revival_delay"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		StartupTimeout    time.Duration `yaml:"startup_timeout"`
	} `yaml:"processor"`

	Coordinator struct {
		URL       string        `yaml:"url"`
		Transport string        `yaml:"transport"` // http or grpc
		Timeout   time.Duration `yaml:"timeout"`
		NodeID    string        `yaml:"node_id"`
	} `yaml:"coordinator"`

	Structures struct {
		BaseURL    string        `yaml:"base_url"`
		PDBScript  string        `yaml:"pdb_script"`
		CIFScript  string        `yaml:"cif_script"`
		PDBTimeout time.Duration `yaml:"pdb_timeout"`
		CIFTimeout time.Duration `yaml:"cif_timeout"`
	} `yaml:"structures"`

	Server struct {
		Listen          string        `yaml:"listen"`
		Mode            string        `yaml:"mode"`
		Filenames       []string      `yaml:"filenames"`
		FilenamesFile   string        `yaml:"filenames_file"`
		LeaseTTL        time.Duration `yaml:"lease_ttl"`
		RegistrationTTL time.Duration `yaml:"registration_ttl"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text or json
	} `yaml:"log"`
}

// defaultConfig mirrors configs/default.yaml.
func defaultConfig() *Config {
	var cfg Config
	cfg.Processor.MaxStructures = 20
	cfg.Processor.Mode = string(types.ModeMultiFiles)
	cfg.Processor.Launcher = "exec"
	cfg.Processor.WorkDir = "downloaded-files"
	cfg.Processor.RunInterval = 5 * time.Second
	cfg.Processor.RevivalDelay = 3 * time.Second
	cfg.Processor.HeartbeatInterval = 60 * time.Second
	cfg.Processor.StartupTimeout = 2 * time.Minute

	cfg.Coordinator.URL = "http://localhost:3000"
	cfg.Coordinator.Transport = "http"
	cfg.Coordinator.Timeout = 60 * time.Second

	cfg.Structures.BaseURL = "https://files.rcsb.org/download"
	cfg.Structures.PDBScript = "scripts/extract-coordinates-pdb.sh"
	cfg.Structures.CIFScript = "scripts/extract-coordinates-cif.sh"
	cfg.Structures.PDBTimeout = 25 * time.Second
	cfg.Structures.CIFTimeout = 15 * time.Minute

	cfg.Server.Listen = ":50061"
	cfg.Server.LeaseTTL = 10 * time.Minute
	cfg.Server.RegistrationTTL = time.Hour

	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// loadConfig reads the YAML file at path over the defaults, then the .env
// file and the environment. A missing config file is not an error.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}

	// .env never overrides variables already set in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies the processor's environment variables. Durations are in
// milliseconds.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	millis := func(name string, dst *time.Duration) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%s: invalid milliseconds %q", name, v)
		}
		*dst = time.Duration(n) * time.Millisecond
		return nil
	}
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("QTY_CPUS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QTY_CPUS: invalid count %q", v)
		}
		c.Processor.Workers = n
	}
	for name, dst := range map[string]*time.Duration{
		"RUN_INTERVAL":           &c.Processor.RunInterval,
		"WORKER_REVIVAL_TIMEOUT": &c.Processor.RevivalDelay,
		"SH_TIMEOUT_PDB":         &c.Structures.PDBTimeout,
		"SH_TIMEOUT_CIF":         &c.Structures.CIFTimeout,
	} {
		if err := millis(name, dst); err != nil {
			return err
		}
	}
	str("MANAGER_URL", &c.Coordinator.URL)
	str("RCSB_URL", &c.Structures.BaseURL)
	str("PROCESSING_MODE", &c.Processor.Mode)
	return nil
}

func (c *Config) validate() error {
	mode, err := types.ParseMode(c.Processor.Mode)
	if err != nil {
		return err
	}
	if !mode.Valid() {
		return fmt.Errorf("processor.mode must be %s or %s", types.ModeSingleFile, types.ModeMultiFiles)
	}
	switch c.Processor.Launcher {
	case "exec", "local":
	default:
		return fmt.Errorf("processor.launcher must be exec or local, got %q", c.Processor.Launcher)
	}
	switch c.Coordinator.Transport {
	case "http", "grpc":
	default:
		return fmt.Errorf("coordinator.transport must be http or grpc, got %q", c.Coordinator.Transport)
	}
	return nil
}

// Workers returns the pool size: the configured count or the CPU count,
// clamped to [1, 20].
func (c *Config) Workers() int {
	n := c.Processor.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return max(1, min(n, maxWorkersPerMachine))
}

// ProcessingMode returns the validated initial mode.
func (c *Config) ProcessingMode() types.Mode {
	mode, _ := types.ParseMode(c.Processor.Mode)
	return mode
}

// NodeID returns the configured identity or a fresh one.
func (c *Config) NodeID() string {
	if c.Coordinator.NodeID != "" {
		return c.Coordinator.NodeID
	}
	return uuid.NewString()
}

// ServerFilenames returns the development coordinator's structure list.
func (c *Config) ServerFilenames() ([]string, error) {
	names := append([]string(nil), c.Server.Filenames...)
	if c.Server.FilenamesFile == "" {
		return names, nil
	}
	data, err := os.ReadFile(c.Server.FilenamesFile)
	if err != nil {
		return nil, fmt.Errorf("read filenames: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
			names = append(names, line)
		}
	}
	return names, nil
}

// newLogger builds the process logger on stderr.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
