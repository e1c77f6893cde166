package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/msageha/tq/internal/model"
	"github.com/msageha/tq/internal/store"
)

func TestRunCreatesLayout(t *testing.T) {
	base := filepath.Join(t.TempDir(), "task_queue")

	got, err := Run(base)
	require.NoError(t, err)
	assert.Equal(t, base, got)

	for _, d := range []string{
		"locks",
		filepath.Join("logs", "tasks"),
		filepath.Join("logs", "archive"),
	} {
		info, err := os.Stat(filepath.Join(base, d))
		require.NoError(t, err, d)
		assert.True(t, info.IsDir(), d)
	}

	// The store exists with its schema in place.
	st, err := store.Open(model.StorePath(base), nil)
	require.NoError(t, err)
	defer st.Close()
	_, running, err := st.ReadRunning("0")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestRunConfigTemplateParses(t *testing.T) {
	base := filepath.Join(t.TempDir(), "q")
	_, err := Run(base)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(base, model.ConfigFileName))
	require.NoError(t, err)

	var cfg model.Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, model.DefaultConfig(), cfg,
		"the shipped template must spell out exactly the defaults")
}

func TestRunRefusesExistingConfig(t *testing.T) {
	base := filepath.Join(t.TempDir(), "q")
	_, err := Run(base)
	require.NoError(t, err)

	_, err = Run(base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRunFillsPartialLayout(t *testing.T) {
	base := filepath.Join(t.TempDir(), "q")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "locks"), 0755))

	_, err := Run(base)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(base, model.ConfigFileName))
	assert.NoError(t, err)
}
