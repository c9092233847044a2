package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		check   func(t *testing.T, cfg config)
		wantErr string
	}{
		{
			name: "memory storage",
			yaml: `
port: "9090"
storage:
  driver: memory
push:
  heartbeat: 5s
`,
			check: func(t *testing.T, cfg config) {
				assert.Equal(t, "9090", cfg.Port)
				assert.IsType(t, &memoryConfig{}, cfg.Storage)
				assert.Equal(t, 5*time.Second, cfg.Push.Heartbeat)
				// Keys absent from the file keep their defaults.
				assert.Equal(t, 64, cfg.Push.Buffer)
				assert.Equal(t, "info", cfg.LogLevel)
			},
		},
		{
			name: "bolt storage",
			yaml: `
storage:
  driver: bolt
  path: /var/lib/convsync/state.db
reset:
  schedule: "0 3 * * *"
  users: [kiosk-1, kiosk-2]
`,
			check: func(t *testing.T, cfg config) {
				require.IsType(t, &boltConfig{}, cfg.Storage)
				bolt := cfg.Storage.(*boltConfig)
				assert.Equal(t, "bolt", bolt.Driver)
				assert.Equal(t, "/var/lib/convsync/state.db", bolt.Path)
				assert.Equal(t, []string{"kiosk-1", "kiosk-2"}, cfg.Reset.Users)
			},
		},
		{
			name: "default storage",
			yaml: `logFormat: json`,
			check: func(t *testing.T, cfg config) {
				require.IsType(t, &boltConfig{}, cfg.Storage)
				assert.Equal(t, filepath.Join("data", "store.db"), cfg.Storage.(*boltConfig).Path)
				assert.Equal(t, "json", cfg.LogFormat)
			},
		},
		{
			name: "missing driver",
			yaml: `
storage:
  path: state.db
`,
			wantErr: "storage driver is required",
		},
		{
			name: "unknown driver",
			yaml: `
storage:
  driver: redis
`,
			wantErr: "unknown storage driver: redis",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig("data")
			err := yaml.NewDecoder(strings.NewReader(tt.yaml)).Decode(&cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9090\"\nstorage:\n  driver: memory\n"), 0600))

	t.Setenv("CONVSYNC_PORT", "7070")
	t.Setenv("CONVSYNC_PUSH_HEARTBEAT", "1s")
	t.Setenv("CONVSYNC_RESET_USERS", "a,b")

	cfg, err := loadConfig(path, dir)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, time.Second, cfg.Push.Heartbeat)
	assert.Equal(t, []string{"a", "b"}, cfg.Reset.Users)
	assert.IsType(t, &memoryConfig{}, cfg.Storage)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := loadConfig(filepath.Join(dir, "missing.yaml"), dir)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(dir), cfg)
	require.NoError(t, cfg.validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(cfg *config)
		wantErr string
	}{
		{name: "defaults", modify: func(*config) {}},
		{name: "bad level", modify: func(cfg *config) { cfg.LogLevel = "loud" }, wantErr: "unknown log level"},
		{name: "bad format", modify: func(cfg *config) { cfg.LogFormat = "xml" }, wantErr: "unknown log format"},
		{
			name:    "reset without users",
			modify:  func(cfg *config) { cfg.Reset.Schedule = "@daily" },
			wantErr: "reset schedule needs at least one user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t.TempDir())
			tt.modify(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStorageOpen(t *testing.T) {
	bolt := boltConfig{Path: filepath.Join(t.TempDir(), "nested", "store.db")}
	store, closeStore, err := bolt.open()
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, closeStore())

	_, _, err = boltConfig{}.open()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "warn")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "module", "test")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	logger, err = newLogger(&buf, "text", "debug")
	require.NoError(t, err)
	logger.Debug("visible")
	assert.Contains(t, buf.String(), "visible")

	_, err = newLogger(&buf, "xml", "info")
	assert.Error(t, err)
	_, err = newLogger(&buf, "text", "loud")
	assert.Error(t, err)
}

func TestBusURL(t *testing.T) {
	tests := []struct {
		server  string
		want    string
		wantErr bool
	}{
		{server: "http://localhost:8080", want: "ws://localhost:8080/ws/bus?userId=u+1"},
		{server: "https://demo.example.com/sync/", want: "wss://demo.example.com/sync/ws/bus?userId=u+1"},
		{server: "ftp://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			got, err := busURL(tt.server, "u 1")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
