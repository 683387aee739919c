package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxIncludeDepth = 10

// includeWalker overlays included files onto one Config. Each file is decoded
// by its own extension, so a YAML root may include TOML fragments and the
// other way round.
type includeWalker struct {
	cfg     *Config
	visited map[string]bool
}

// processIncludes merges the files named by cfg.Includes into cfg. baseDir is
// the directory of the file that declared them; visited holds the absolute
// paths already merged, including the root file.
func processIncludes(cfg *Config, baseDir string, visited map[string]bool, depth int) error {
	if visited == nil {
		visited = make(map[string]bool)
	}
	w := &includeWalker{cfg: cfg, visited: visited}
	return w.walk(cfg.Includes, baseDir, depth)
}

func (w *includeWalker) walk(patterns []string, baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	// Only includes declared by the file being merged may be followed.
	w.cfg.Includes = nil

	for _, pattern := range patterns {
		paths, err := expandInclude(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if err := w.merge(p, depth+1); err != nil {
				return err
			}
		}
	}
	w.cfg.Includes = nil
	return nil
}

func (w *includeWalker) merge(path string, depth int) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config includes: abs path %q: %w", path, err)
	}
	if w.visited[abs] {
		return fmt.Errorf("config includes: circular include detected for %q", abs)
	}
	w.visited[abs] = true

	if err := validatePermissions(abs); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", abs, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	w.cfg.Includes = nil
	if err := decode(abs, data, w.cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", abs, err)
	}
	if nested := w.cfg.Includes; len(nested) > 0 {
		return w.walk(nested, filepath.Dir(abs), depth)
	}
	return nil
}

// expandInclude resolves pattern against baseDir. A glob matching nothing
// yields no paths; a literal path is returned as is so a missing file is
// reported by the read.
func expandInclude(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	return matches, nil
}
