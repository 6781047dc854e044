package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/promokit/pkg/config"
)

type sampleConfig struct {
	Name     string        `env:"CFG_TEST_NAME" envDefault:"default"`
	Slots    int           `env:"CFG_TEST_SLOTS" envDefault:"100"`
	Interval time.Duration `env:"CFG_TEST_INTERVAL" envDefault:"15m"`
}

type requiredConfig struct {
	Token string `env:"CFG_TEST_TOKEN,required"`
}

func TestLoad(t *testing.T) {
	t.Run("defaults and overrides", func(t *testing.T) {
		config.Reset()
		t.Setenv("CFG_TEST_SLOTS", "3")

		var cfg sampleConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "default", cfg.Name)
		assert.Equal(t, 3, cfg.Slots)
		assert.Equal(t, 15*time.Minute, cfg.Interval)
	})

	t.Run("cached per type", func(t *testing.T) {
		config.Reset()
		t.Setenv("CFG_TEST_NAME", "first")
		var a sampleConfig
		require.NoError(t, config.Load(&a))

		t.Setenv("CFG_TEST_NAME", "second")
		var b sampleConfig
		require.NoError(t, config.Load(&b))
		assert.Equal(t, "first", b.Name)

		config.Reset()
		var c sampleConfig
		require.NoError(t, config.Load(&c))
		assert.Equal(t, "second", c.Name)
	})

	t.Run("missing required", func(t *testing.T) {
		config.Reset()
		var cfg requiredConfig
		err := config.Load(&cfg)
		require.ErrorIs(t, err, config.ErrParsingConfig)
		assert.Panics(t, func() { config.MustLoad(&cfg) })
	})

	t.Run("nil pointer", func(t *testing.T) {
		var cfg *sampleConfig
		assert.ErrorIs(t, config.Load(cfg), config.ErrNilPointer)
	})
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env.test")
	require.NoError(t, os.WriteFile(path, []byte("CFG_TEST_TOKEN=from-file\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("CFG_TEST_TOKEN") })

	require.NoError(t, config.LoadEnv(path))

	var cfg requiredConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, "from-file", cfg.Token)

	assert.ErrorIs(t, config.LoadEnv(filepath.Join(t.TempDir(), "missing")), config.ErrLoadingEnv)
}
