package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/ethpandaops/deployoor/pkg/config"
	"github.com/ethpandaops/deployoor/pkg/fsutil"
	"github.com/ethpandaops/deployoor/pkg/transport"
	"github.com/ethpandaops/deployoor/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// uploadFlags maps upload command flags onto config keys. Only flags set
// on the command line override file and environment values.
var uploadFlags = map[string]string{
	"path":                "source.path",
	"working-directory":   "source.working_directory",
	"api-url":             "api.url",
	"api-key":             "api.key",
	"repository":          "deployment.repository",
	"commit-sha":          "deployment.commit_sha",
	"branch":              "deployment.branch",
	"is-public":           "deployment.is_public",
	"alias":               "deployment.alias",
	"base-path":           "deployment.base_path",
	"committed-at":        "deployment.committed_at",
	"description":         "deployment.description",
	"proxy-rule-set-name": "deployment.proxy_rule_set_name",
	"proxy-rule-set-id":   "deployment.proxy_rule_set_id",
	"tags":                "deployment.tags",
	"concurrency":         "upload.concurrency",
	"max-attempts":        "upload.max_attempts",
	"result-file":         "output.result_file",
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Deploy a build directory",
	Long: `Upload a build directory to the deployment service. Presigned direct
uploads are tried first; the zip archive endpoint is used when they are not
available and no file has been uploaded yet.`,
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	f := uploadCmd.Flags()
	f.String("path", "", "Build directory to deploy")
	f.String("working-directory", "", "Directory the path is resolved against")
	f.String("api-url", "", "Deployment API base URL")
	f.String("api-key", "", "Deployment API key")
	f.String("repository", "", "Repository in owner/name form")
	f.String("commit-sha", "", "Commit SHA being deployed")
	f.String("branch", "", "Branch being deployed")
	f.String("is-public", "", `Deployment visibility ("true" or "false")`)
	f.String("alias", "", "Alias to point at this deployment")
	f.String("base-path", "", "Deployment base path (default \"/\" + path)")
	f.String("committed-at", "", "Commit timestamp")
	f.String("description", "", "Deployment description")
	f.String("proxy-rule-set-name", "", "Proxy rule set name")
	f.String("proxy-rule-set-id", "", "Proxy rule set ID")
	f.String("tags", "", "Deployment tags")
	f.Int("concurrency", 0, "Files uploaded in parallel per window")
	f.Int("max-attempts", 0, "Attempts per file before it is reported as failed")
	f.Bool("no-fallback", false, "Fail instead of falling back to the archive upload")
	f.String("result-file", "", "Write the deployment report as JSON to this path")
}

// flagOverrides collects the explicitly set flags as config overrides.
func flagOverrides(flags *pflag.FlagSet) map[string]any {
	overrides := make(map[string]any, len(uploadFlags))

	flags.Visit(func(f *pflag.Flag) {
		if f.Name == "no-fallback" {
			overrides["upload.fallback"] = f.Value.String() != "true"

			return
		}

		if key, ok := uploadFlags[f.Name]; ok {
			overrides[key] = f.Value.String()
		}
	})

	return overrides
}

// loadConfig loads and validates the configuration for a command and
// applies the configured log level unless --log-level was given.
func loadConfig(cmd *cobra.Command, overrides map[string]any) (*config.Config, error) {
	cfg, err := config.LoadWithOverrides(overrides, cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") {
		if err := setLogLevel(cfg.Global.LogLevel); err != nil {
			return nil, fmt.Errorf("global.log_level: %w", err)
		}
	}

	return cfg, nil
}

func runUpload(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, flagOverrides(cmd.Flags()))
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	deployer, err := newDeployer(log, cfg)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"source":     cfg.SourceDir(),
		"repository": cfg.Deployment.Repository,
		"branch":     cfg.Deployment.Branch,
		"base_path":  cfg.Deployment.BasePath,
	}).Info("Deploying")

	report, err := deployer.Deploy(ctx)
	if err != nil {
		return fmt.Errorf("deployment failed: %w", err)
	}

	if cfg.Output.ResultFile != "" {
		owner, err := fsutil.ParseOwner(cfg.Output.Owner)
		if err != nil {
			return fmt.Errorf("output.owner: %w", err)
		}

		if err := writeReport(cfg.Output.ResultFile, report, owner); err != nil {
			return err
		}

		log.WithField("path", cfg.Output.ResultFile).Info("Wrote deployment report")
	}

	return nil
}

// newDeployer wires the transport, presigned flow and archive fallback
// from the configuration.
func newDeployer(log logrus.FieldLogger, cfg *config.Config) (*upload.Deployer, error) {
	client, err := transport.New(log, transport.Options{
		BaseURL:        cfg.API.URL,
		APIKey:         cfg.API.Key,
		RequestTimeout: cfg.API.RequestTimeout,
		UploadTimeout:  cfg.API.UploadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating api client: %w", err)
	}

	meta := cfg.Deployment.Metadata()
	sourceDir := cfg.SourceDir()

	batch := upload.NewBatchUploader(log, client, upload.BatchOptions{
		Concurrency:       cfg.Upload.Concurrency,
		MaxAttempts:       cfg.Upload.MaxAttempts,
		BackoffBase:       cfg.Upload.BackoffBase,
		RequestsPerSecond: cfg.Upload.RequestsPerSecond,
	})

	orchestrator := upload.NewOrchestrator(log, client, batch, upload.OrchestratorOptions{
		SourceDir:         sourceDir,
		BasePath:          cfg.Deployment.BasePath,
		Metadata:          meta,
		FailureSampleSize: cfg.Upload.FailureSampleSize,
	})

	archiver := upload.NewArchiveUploader(log, client, upload.ArchiveOptions{
		SourceDir:  sourceDir,
		SourcePath: cfg.Source.Path,
		WorkDir:    cfg.Source.WorkingDirectory,
		Metadata:   meta,
	})

	return upload.NewDeployer(log, orchestrator, archiver, upload.DeployerOptions{
		Fallback: cfg.Upload.Fallback,
	}), nil
}

func writeReport(path string, report *upload.Report, owner *fsutil.Owner) error {
	data, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	if err := fsutil.WriteFile(path, data, 0o644, owner); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	return nil
}
