// Package setup initializes a tq base directory.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/tq/internal/model"
	"github.com/msageha/tq/internal/store"
	"github.com/msageha/tq/internal/yaml"
	"github.com/msageha/tq/templates"
)

// Run creates the base directory layout, the task store, and a commented
// default config.yaml. Re-running against a partially built layout fills
// in whatever is missing; an existing config.yaml is refused so a tuned
// installation is never overwritten.
func Run(baseDir string) (string, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve base dir: %w", err)
	}

	cfgPath := filepath.Join(base, model.ConfigFileName)
	if _, err := os.Stat(cfgPath); err == nil {
		return "", fmt.Errorf("%s already exists; remove it to re-initialize", cfgPath)
	}

	dirs := []string{
		model.LockDirName,
		filepath.Join(model.LogDirName, model.TaskLogDirName),
		filepath.Join(model.LogDirName, "archive"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	// Opening the store runs the schema migration.
	st, err := store.Open(model.StorePath(base), nil)
	if err != nil {
		return "", fmt.Errorf("create store: %w", err)
	}
	if err := st.Close(); err != nil {
		return "", fmt.Errorf("close store: %w", err)
	}

	content, err := templates.FS.ReadFile("config.yaml")
	if err != nil {
		return "", fmt.Errorf("read config template: %w", err)
	}
	if err := yaml.AtomicWriteRaw(cfgPath, content); err != nil {
		return "", fmt.Errorf("write %s: %w", model.ConfigFileName, err)
	}

	return base, nil
}
