package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 12, cfg.HashCost)
	assert.Zero(t, cfg.ReadTimeout)
}

func TestLoad_EnvThenFlags(t *testing.T) {
	t.Setenv("COURIER_PORT", "7000")
	t.Setenv("COURIER_STORE", "sqlite")
	t.Setenv("COURIER_WRITE_TIMEOUT", "5")
	t.Setenv("COURIER_READ_TIMEOUT", "2m")

	cfg, err := Load([]string{"-port", "7100", "-log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Port, "flags win over env")
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ReadTimeout)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{name: "bad port env", env: map[string]string{"COURIER_PORT": "x"}},
		{name: "port range", args: []string{"-port", "70000"}},
		{name: "store", args: []string{"-store", "redis"}},
		{name: "level", args: []string{"-log-level", "loud"}},
		{name: "duration", env: map[string]string{"COURIER_WRITE_TIMEOUT": "soon"}},
		{name: "negative", args: []string{"-read-timeout", "-1s"}},
		{name: "unknown flag", args: []string{"-nope"}},
		{name: "hash cost env", env: map[string]string{"COURIER_HASH_COST": "40"}},
		{name: "hash cost flag", args: []string{"-hash-cost", "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.args)
			assert.Error(t, err)
		})
	}
}
