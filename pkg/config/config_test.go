package config_test

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/config"
)

type serverTestConfig struct {
	Addr            string        `env:"TEST_SERVER_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"TEST_SERVER_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	Debug           bool          `env:"TEST_SERVER_DEBUG" envDefault:"false"`
}

type requiredTestConfig struct {
	Secret string `env:"TEST_REQUIRED_SECRET,required"`
}

func TestLoad_Success(t *testing.T) {
	t.Setenv("TEST_SERVER_ADDR", ":9090")
	t.Setenv("TEST_SERVER_SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("TEST_SERVER_DEBUG", "true")

	var cfg serverTestConfig
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.Debug)
}

func TestLoad_DefaultValues(t *testing.T) {
	os.Unsetenv("TEST_SERVER_ADDR")
	os.Unsetenv("TEST_SERVER_SHUTDOWN_TIMEOUT")
	os.Unsetenv("TEST_SERVER_DEBUG")

	var cfg serverTestConfig
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.Debug)
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("TEST_REQUIRED_SECRET")

	var cfg requiredTestConfig
	err := config.Load(&cfg)

	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrParsingConfig))
}

func TestLoad_NilPointer(t *testing.T) {
	err := config.Load[serverTestConfig](nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrNilPointer))
}

func TestMustLoad_PanicsOnFailure(t *testing.T) {
	os.Unsetenv("TEST_REQUIRED_SECRET")

	assert.Panics(t, func() {
		var cfg requiredTestConfig
		config.MustLoad(&cfg)
	})
}
