// Package envfile builds the variable source of a topology from variable
// files and the process environment. Values are kept verbatim: ${...}
// references are left for the topology resolver.
package envfile

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/artpar/stacker/internal/core/topology"
)

// DefaultName is the variable file read from the project directory when no
// file is named explicitly.
const DefaultName = ".env"

// ErrNotFound is returned when an explicitly named variable file is missing.
var ErrNotFound = errors.New("variable file not found")

// Loader reads variable files.
type Loader struct {
	// Environ returns the process environment as KEY=VALUE pairs.
	Environ func() []string
	Logger  *slog.Logger
}

// NewLoader returns a Loader over os.Environ.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{Environ: os.Environ, Logger: logger.With("component", "envfile")}
}

// Load merges the given files in order, later files overriding earlier ones,
// and lays the process environment on top. With no files, DefaultName in
// projectDir is read when present.
func (l *Loader) Load(projectDir string, files ...string) (topology.EnvironmentSource, error) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	vars := make(map[string]string)

	var paths []string
	if len(files) == 0 {
		path := filepath.Join(projectDir, DefaultName)
		if _, err := os.Stat(path); err == nil {
			paths = []string{path}
		} else {
			log.Debug("no variable file", "path", path)
		}
	}
	for _, f := range files {
		if !filepath.IsAbs(f) {
			f = filepath.Join(projectDir, f)
		}
		if _, err := os.Stat(f); err != nil {
			return topology.EnvironmentSource{}, fmt.Errorf("%w: %s", ErrNotFound, f)
		}
		paths = append(paths, f)
	}

	for _, f := range paths {
		fileVars, err := readRaw(f)
		if err != nil {
			return topology.EnvironmentSource{}, err
		}
		for k, v := range fileVars {
			vars[k] = v
		}
		log.Debug("read variable file", "path", f, "variables", len(fileVars))
	}

	for k, v := range l.process() {
		vars[k] = v
	}

	return topology.NewEnvironmentSource(vars), nil
}

func (l *Loader) process() map[string]string {
	environ := l.Environ
	if environ == nil {
		environ = os.Environ
	}
	out := make(map[string]string)
	for _, kv := range environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// dollar stands in for '$' while godotenv parses, so that it performs no
// expansion of its own.
const dollar = "\uE024"

// readRaw parses a variable file without expanding references.
func readRaw(path string) (map[string]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if bytes.Contains(content, []byte(dollar)) {
		return nil, fmt.Errorf("failed to read %s: unsupported character U+E024", path)
	}

	vars, err := godotenv.UnmarshalBytes(bytes.ReplaceAll(content, []byte("$"), []byte(dollar)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for k, v := range vars {
		vars[k] = strings.ReplaceAll(v, dollar, "$")
	}
	return vars, nil
}
