package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/deployoor/pkg/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{LogLevel: "info"},
		Source: SourceConfig{Path: "dist", WorkingDirectory: "."},
		API: APIConfig{
			URL:            "https://deploy.example.com",
			Key:            "secret",
			RequestTimeout: DefaultRequestTimeout,
			UploadTimeout:  DefaultUploadTimeout,
		},
		Deployment: DeploymentConfig{
			Repository: "owner/repo",
			CommitSHA:  "abc123",
			Branch:     "main",
			IsPublic:   "true",
		},
		Upload: UploadConfig{
			Concurrency:       upload.DefaultConcurrency,
			MaxAttempts:       upload.DefaultMaxAttempts,
			BackoffBase:       upload.DefaultBackoffBase,
			Fallback:          true,
			FailureSampleSize: DefaultFailureSampleSize,
		},
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
source:
  path: apps/frontend/dist
api:
  url: https://deploy.example.com
  key: file-key
deployment:
  repository: owner/repo
  commit_sha: abc123
  branch: main
upload:
  concurrency: 5
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "file-key", cfg.API.Key)
				assert.Equal(t, 5, cfg.Upload.Concurrency)
				assert.Equal(t, "/apps/frontend/dist", cfg.Deployment.BasePath)
			},
		},
		{
			name: "string override - api key",
			envVars: map[string]string{
				"DEPLOYOOR_API_KEY": "env-key",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "env-key", cfg.API.Key)
			},
		},
		{
			name: "key absent from file - alias",
			envVars: map[string]string{
				"DEPLOYOOR_DEPLOYMENT_ALIAS": "production",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "production", cfg.Deployment.Alias)
			},
		},
		{
			name: "integer override - concurrency",
			envVars: map[string]string{
				"DEPLOYOOR_UPLOAD_CONCURRENCY": "25",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 25, cfg.Upload.Concurrency)
			},
		},
		{
			name: "boolean override - fallback",
			envVars: map[string]string{
				"DEPLOYOOR_UPLOAD_FALLBACK": "false",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.Upload.Fallback)
			},
		},
		{
			name: "duration override - request timeout",
			envVars: map[string]string{
				"DEPLOYOOR_API_REQUEST_TIMEOUT": "15s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 15*time.Second, cfg.API.RequestTimeout)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, `
source:
  path: dist
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultWorkingDirectory, cfg.Source.WorkingDirectory)
	assert.Equal(t, DefaultIsPublic, cfg.Deployment.IsPublic)
	assert.Equal(t, "/dist", cfg.Deployment.BasePath)
	assert.Equal(t, upload.DefaultConcurrency, cfg.Upload.Concurrency)
	assert.Equal(t, upload.DefaultMaxAttempts, cfg.Upload.MaxAttempts)
	assert.Equal(t, upload.DefaultBackoffBase, cfg.Upload.BackoffBase)
	assert.Equal(t, DefaultRequestTimeout, cfg.API.RequestTimeout)
	assert.Equal(t, DefaultUploadTimeout, cfg.API.UploadTimeout)
	assert.True(t, cfg.Upload.Fallback)
}

func TestLoad_NoFiles(t *testing.T) {
	t.Setenv("DEPLOYOOR_SOURCE_PATH", "build")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "build", cfg.Source.Path)
	assert.Equal(t, "/build", cfg.Deployment.BasePath)
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, `
source:
  path: dist
deployment:
  branch: main
  alias: staging
`)
	override := writeConfig(t, `
deployment:
  alias: production
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.Deployment.Branch)
	assert.Equal(t, "production", cfg.Deployment.Alias)
}

func TestLoadWithOverrides_WinOverEnv(t *testing.T) {
	t.Setenv("DEPLOYOOR_UPLOAD_CONCURRENCY", "25")

	cfg, err := LoadWithOverrides(map[string]any{
		"upload.concurrency": 3,
		"deployment.tags":    "v1.0.0",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Upload.Concurrency)
	assert.Equal(t, "v1.0.0", cfg.Deployment.Tags)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "source: [unterminated")

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestDefaultBasePath(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{source: "dist", want: "/dist"},
		{source: "./dist", want: "/dist"},
		{source: "apps/frontend/dist/", want: "/apps/frontend/dist"},
		{source: "/abs/dist", want: "/abs/dist"},
		{source: ".", want: "/"},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultBasePath(tt.source))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(_ *Config) {},
		},
		{
			name:    "missing path",
			mutate:  func(cfg *Config) { cfg.Source.Path = "" },
			wantErr: "source.path is required",
		},
		{
			name:    "missing api url",
			mutate:  func(cfg *Config) { cfg.API.URL = "" },
			wantErr: "api.url is required",
		},
		{
			name:    "unsupported scheme",
			mutate:  func(cfg *Config) { cfg.API.URL = "ftp://deploy.example.com" },
			wantErr: "unsupported scheme",
		},
		{
			name:    "missing api key",
			mutate:  func(cfg *Config) { cfg.API.Key = "" },
			wantErr: "api.key is required",
		},
		{
			name:    "missing branch",
			mutate:  func(cfg *Config) { cfg.Deployment.Branch = "" },
			wantErr: "deployment.branch is required",
		},
		{
			name:    "invalid is_public",
			mutate:  func(cfg *Config) { cfg.Deployment.IsPublic = "yes" },
			wantErr: "deployment.is_public",
		},
		{
			name:    "zero concurrency",
			mutate:  func(cfg *Config) { cfg.Upload.Concurrency = 0 },
			wantErr: "upload.concurrency must be at least 1",
		},
		{
			name:    "zero attempts",
			mutate:  func(cfg *Config) { cfg.Upload.MaxAttempts = 0 },
			wantErr: "upload.max_attempts must be at least 1",
		},
		{
			name:    "negative rate",
			mutate:  func(cfg *Config) { cfg.Upload.RequestsPerSecond = -1 },
			wantErr: "upload.requests_per_second",
		},
		{
			name:    "invalid owner",
			mutate:  func(cfg *Config) { cfg.Output.Owner = "nobody" },
			wantErr: "output.owner",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_SourceDir(t *testing.T) {
	cfg := validConfig()
	cfg.Source.WorkingDirectory = "/work"
	cfg.Source.Path = "apps/web/dist"
	assert.Equal(t, filepath.Join("/work", "apps/web/dist"), cfg.SourceDir())

	cfg.Source.Path = "/srv/site"
	assert.Equal(t, "/srv/site", cfg.SourceDir())
}

func TestConfig_Redacted(t *testing.T) {
	cfg := validConfig()

	out := cfg.Redacted()
	assert.Equal(t, redacted, out.API.Key)
	assert.Equal(t, "secret", cfg.API.Key, "receiver must not be modified")
}

func TestDeploymentConfig_Metadata(t *testing.T) {
	cfg := validConfig()
	cfg.Deployment.Tags = "v1.0.0"

	meta := cfg.Deployment.Metadata()
	assert.Equal(t, "owner/repo", meta.Repository)
	assert.Equal(t, "abc123", meta.CommitSHA)
	assert.Equal(t, "v1.0.0", meta.Tags)
	assert.Empty(t, meta.Alias)
}
