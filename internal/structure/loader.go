// Package structure turns a structure filename into atom coordinates: it
// downloads the compressed file, runs the external extraction script on it
// and parses the script's output.
package structure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/mindist/pkg/types"
)

var (
	// ErrDownloadFailed means the structure file could not be fetched.
	ErrDownloadFailed = errors.New("structure download failed")
	// ErrExtractionFailed means the extraction script failed, timed out or
	// produced unusable output.
	ErrExtractionFailed = errors.New("coordinate extraction failed")
)

// Config configures a Loader.
type Config struct {
	BaseURL    string // structures are fetched from BaseURL/filename
	WorkDir    string
	PDBScript  string
	CIFScript  string
	PDBTimeout time.Duration
	CIFTimeout time.Duration
	HTTP       *http.Client
	Logger     *slog.Logger
}

// Loader downloads and extracts structures.
type Loader struct {
	cfg Config
	log *slog.Logger
}

// NewLoader creates a loader; missing timeouts fall back to 25s (PDB) and
// 15m (CIF).
func NewLoader(cfg Config) *Loader {
	if cfg.PDBTimeout <= 0 {
		cfg.PDBTimeout = 25 * time.Second
	}
	if cfg.CIFTimeout <= 0 {
		cfg.CIFTimeout = 15 * time.Minute
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loader{cfg: cfg, log: cfg.Logger.With("component", "structure")}
}

// Load downloads filename, extracts its models and removes the local files.
func (l *Loader) Load(ctx context.Context, filename string) ([]types.Model, error) {
	if filename == "" || filepath.Base(filename) != filename {
		return nil, fmt.Errorf("%w: invalid filename %q", ErrDownloadFailed, filename)
	}
	defer l.deleteFiles(filename)

	path, err := l.download(ctx, filename)
	if err != nil {
		return nil, err
	}
	return l.extract(ctx, path, filename)
}

func (l *Loader) download(ctx context.Context, filename string) (string, error) {
	start := time.Now()
	path := filepath.Join(l.cfg.WorkDir, filename)
	url := strings.TrimRight(l.cfg.BaseURL, "/") + "/" + filename
	l.log.Info("Downloading structure...", "filename", filename)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	resp, err := l.cfg.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrDownloadFailed, filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s: status %d", ErrDownloadFailed, filename, resp.StatusCode)
	}

	if err := os.MkdirAll(l.cfg.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: %s: %v", ErrDownloadFailed, filename, err)
	}

	l.log.Info("Structure downloaded", "filename", filename, "bytes", n, "duration", time.Since(start))
	return path, nil
}

// scriptFor picks the extraction script and its timeout from the filename.
func (l *Loader) scriptFor(filename string) (string, time.Duration) {
	if strings.Contains(filename, ".pdb") {
		return l.cfg.PDBScript, l.cfg.PDBTimeout
	}
	return l.cfg.CIFScript, l.cfg.CIFTimeout
}

func (l *Loader) extract(ctx context.Context, path, filename string) ([]types.Model, error) {
	start := time.Now()
	script, timeout := l.scriptFor(filename)
	if script == "" {
		return nil, fmt.Errorf("%w: no extraction script configured for %s", ErrExtractionFailed, filename)
	}
	l.log.Info("Loading coordinates...", "filename", filename)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, script, path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %s: timed out after %s", ErrExtractionFailed, filename, timeout)
	}
	if stderr.Len() > 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrExtractionFailed, filename, strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExtractionFailed, filename, err)
	}

	models, err := Parse(&stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExtractionFailed, filename, err)
	}

	l.log.Info("Coordinates loaded",
		"filename", filename,
		"models", len(models),
		"output_bytes", stdout.Len(),
		"duration", time.Since(start))
	return models, nil
}

// deleteFiles removes the downloaded file and its decompressed sibling.
func (l *Loader) deleteFiles(filename string) {
	for _, name := range []string{filename, strings.TrimSuffix(filename, ".gz")} {
		path := filepath.Join(l.cfg.WorkDir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.log.Warn("Failed to delete structure file", "path", path, "error", err)
		}
	}
}

// ClearWorkDir removes files left behind by a previous run.
func ClearWorkDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
