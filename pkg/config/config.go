package config

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethpandaops/deployoor/pkg/deploy"
	"github.com/ethpandaops/deployoor/pkg/fsutil"
	"github.com/ethpandaops/deployoor/pkg/upload"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// DEPLOYOOR_API_KEY overrides api.key.
	EnvPrefix = "DEPLOYOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultWorkingDirectory is the directory the source path is resolved against.
	DefaultWorkingDirectory = "."

	// DefaultIsPublic is the default visibility of a deployment.
	DefaultIsPublic = "true"

	// DefaultRequestTimeout bounds every API call.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultUploadTimeout bounds every presigned PUT and the archive upload.
	DefaultUploadTimeout = 5 * time.Minute

	// DefaultFailureSampleSize is how many failed files are listed in the
	// partial failure warning.
	DefaultFailureSampleSize = 10

	redacted = "<redacted>"
)

// Config is the root configuration for deployoor.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
	Deployment DeploymentConfig `yaml:"deployment" mapstructure:"deployment"`
	Upload     UploadConfig     `yaml:"upload" mapstructure:"upload"`
	Output     OutputConfig     `yaml:"output" mapstructure:"output"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// SourceConfig locates the build directory to deploy.
type SourceConfig struct {
	Path             string `yaml:"path" mapstructure:"path"`
	WorkingDirectory string `yaml:"working_directory" mapstructure:"working_directory"`
}

// APIConfig contains the deployment API endpoint and credential.
type APIConfig struct {
	URL            string        `yaml:"url" mapstructure:"url"`
	Key            string        `yaml:"key" mapstructure:"key"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	UploadTimeout  time.Duration `yaml:"upload_timeout" mapstructure:"upload_timeout"`
}

// DeploymentConfig contains the metadata attached to the deployment.
type DeploymentConfig struct {
	Repository       string `yaml:"repository" mapstructure:"repository"`
	CommitSHA        string `yaml:"commit_sha" mapstructure:"commit_sha"`
	Branch           string `yaml:"branch" mapstructure:"branch"`
	IsPublic         string `yaml:"is_public" mapstructure:"is_public"`
	Alias            string `yaml:"alias,omitempty" mapstructure:"alias"`
	BasePath         string `yaml:"base_path,omitempty" mapstructure:"base_path"`
	CommittedAt      string `yaml:"committed_at,omitempty" mapstructure:"committed_at"`
	Description      string `yaml:"description,omitempty" mapstructure:"description"`
	ProxyRuleSetName string `yaml:"proxy_rule_set_name,omitempty" mapstructure:"proxy_rule_set_name"`
	ProxyRuleSetID   string `yaml:"proxy_rule_set_id,omitempty" mapstructure:"proxy_rule_set_id"`
	Tags             string `yaml:"tags,omitempty" mapstructure:"tags"`
}

// UploadConfig tunes the presigned batch upload.
type UploadConfig struct {
	Concurrency       int           `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts       int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Fallback          bool          `yaml:"fallback" mapstructure:"fallback"`
	FailureSampleSize int           `yaml:"failure_sample_size" mapstructure:"failure_sample_size"`
}

// OutputConfig controls what is written after a successful deployment.
type OutputConfig struct {
	ResultFile string `yaml:"result_file,omitempty" mapstructure:"result_file"`
	// Owner is an optional "UID:GID" applied to written files.
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// defaults registers every key so environment overrides are picked up by
// Unmarshal even when the key is absent from the config file.
var defaults = map[string]any{
	"global.log_level":               DefaultLogLevel,
	"source.path":                    "",
	"source.working_directory":       DefaultWorkingDirectory,
	"api.url":                        "",
	"api.key":                        "",
	"api.request_timeout":            DefaultRequestTimeout,
	"api.upload_timeout":             DefaultUploadTimeout,
	"deployment.repository":          "",
	"deployment.commit_sha":          "",
	"deployment.branch":              "",
	"deployment.is_public":           DefaultIsPublic,
	"deployment.alias":               "",
	"deployment.base_path":           "",
	"deployment.committed_at":        "",
	"deployment.description":         "",
	"deployment.proxy_rule_set_name": "",
	"deployment.proxy_rule_set_id":   "",
	"deployment.tags":                "",
	"upload.concurrency":             upload.DefaultConcurrency,
	"upload.max_attempts":            upload.DefaultMaxAttempts,
	"upload.backoff_base":            upload.DefaultBackoffBase,
	"upload.requests_per_second":     0.0,
	"upload.fallback":                true,
	"upload.failure_sample_size":     DefaultFailureSampleSize,
	"output.result_file":             "",
	"output.owner":                   "",
}

// Load reads and merges the given configuration files in order. Later
// files override earlier ones and DEPLOYOOR_* environment variables
// override all files. No file is required.
func Load(paths ...string) (*Config, error) {
	return LoadWithOverrides(nil, paths...)
}

// LoadWithOverrides behaves like Load and then applies overrides keyed by
// dotted config key (e.g. "upload.concurrency"). Overrides win over
// environment variables; the CLI uses them for explicitly set flags.
func LoadWithOverrides(overrides map[string]any, paths ...string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for i, p := range paths {
		v.SetConfigFile(p)

		if filepath.Ext(p) == "" {
			v.SetConfigType("yaml")
		}

		read := v.MergeInConfig
		if i == 0 {
			read = v.ReadInConfig
		}

		if err := read(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", p, err)
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills values derived from other settings.
func (c *Config) applyDefaults() {
	if c.Source.WorkingDirectory == "" {
		c.Source.WorkingDirectory = DefaultWorkingDirectory
	}

	if c.Deployment.IsPublic == "" {
		c.Deployment.IsPublic = DefaultIsPublic
	}

	if c.Deployment.BasePath == "" && c.Source.Path != "" {
		c.Deployment.BasePath = DefaultBasePath(c.Source.Path)
	}
}

// DefaultBasePath derives the deployment base path from the source path.
func DefaultBasePath(sourcePath string) string {
	cleaned := path.Clean(filepath.ToSlash(sourcePath))
	cleaned = strings.TrimPrefix(cleaned, "./")

	if cleaned == "." {
		return "/"
	}

	if strings.HasPrefix(cleaned, "/") {
		return cleaned
	}

	return "/" + cleaned
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Source.Path == "" {
		return fmt.Errorf("source.path is required")
	}

	if c.API.URL == "" {
		return fmt.Errorf("api.url is required")
	}

	u, err := url.Parse(c.API.URL)
	if err != nil {
		return fmt.Errorf("api.url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.url: unsupported scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("api.url: missing host")
	}

	if c.API.Key == "" {
		return fmt.Errorf("api.key is required")
	}

	if c.API.RequestTimeout <= 0 {
		return fmt.Errorf("api.request_timeout must be positive")
	}

	if c.API.UploadTimeout <= 0 {
		return fmt.Errorf("api.upload_timeout must be positive")
	}

	if c.Deployment.Repository == "" {
		return fmt.Errorf("deployment.repository is required")
	}

	if c.Deployment.CommitSHA == "" {
		return fmt.Errorf("deployment.commit_sha is required")
	}

	if c.Deployment.Branch == "" {
		return fmt.Errorf("deployment.branch is required")
	}

	if c.Deployment.IsPublic != "true" && c.Deployment.IsPublic != "false" {
		return fmt.Errorf("deployment.is_public must be \"true\" or \"false\", got %q", c.Deployment.IsPublic)
	}

	if c.Upload.Concurrency < 1 {
		return fmt.Errorf("upload.concurrency must be at least 1")
	}

	if c.Upload.MaxAttempts < 1 {
		return fmt.Errorf("upload.max_attempts must be at least 1")
	}

	if c.Upload.BackoffBase < 0 {
		return fmt.Errorf("upload.backoff_base must not be negative")
	}

	if c.Upload.RequestsPerSecond < 0 {
		return fmt.Errorf("upload.requests_per_second must not be negative")
	}

	if c.Upload.FailureSampleSize < 0 {
		return fmt.Errorf("upload.failure_sample_size must not be negative")
	}

	if _, err := fsutil.ParseOwner(c.Output.Owner); err != nil {
		return fmt.Errorf("output.owner: %w", err)
	}

	return nil
}

// SourceDir returns the source path resolved against the working directory.
func (c *Config) SourceDir() string {
	if filepath.IsAbs(c.Source.Path) {
		return filepath.Clean(c.Source.Path)
	}

	return filepath.Join(c.Source.WorkingDirectory, c.Source.Path)
}

// Metadata converts the deployment settings into the wire metadata.
func (d DeploymentConfig) Metadata() deploy.Metadata {
	return deploy.Metadata{
		Repository:       d.Repository,
		CommitSHA:        d.CommitSHA,
		Branch:           d.Branch,
		IsPublic:         d.IsPublic,
		Alias:            d.Alias,
		BasePath:         d.BasePath,
		CommittedAt:      d.CommittedAt,
		Description:      d.Description,
		ProxyRuleSetName: d.ProxyRuleSetName,
		ProxyRuleSetID:   d.ProxyRuleSetID,
		Tags:             d.Tags,
	}
}

// Redacted returns a copy that is safe to print.
func (c *Config) Redacted() *Config {
	out := *c

	if out.API.Key != "" {
		out.API.Key = redacted
	}

	return &out
}
