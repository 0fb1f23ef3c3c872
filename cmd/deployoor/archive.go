package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/ethpandaops/deployoor/pkg/archive"
	"github.com/ethpandaops/deployoor/pkg/catalog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	archivePath   string
	archiveOutput string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Build the deployment zip without uploading it",
	Long: `Create the zip archive that the fallback upload would send. Useful
for inspecting what the deployment service receives.`,
	RunE: runArchive,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.Flags().StringVar(&archivePath, "path", "", "Build directory to archive")
	archiveCmd.Flags().StringVar(&archiveOutput, "output", "", "Destination zip file")

	for _, name := range []string{"path", "output"} {
		if err := archiveCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}

func runArchive(cmd *cobra.Command, _ []string) error {
	if err := catalog.ValidateDirectory(archivePath); err != nil {
		return err
	}

	created, err := archive.Create(cmd.Context(), archivePath, archive.EntryPrefix(archivePath), filepath.Dir(archiveOutput))
	if err != nil {
		return err
	}

	if err := os.Rename(created.Path, archiveOutput); err != nil {
		_ = os.Remove(created.Path)

		return fmt.Errorf("moving archive to %s: %w", archiveOutput, err)
	}

	log.WithFields(logrus.Fields{
		"output": archiveOutput,
		"files":  created.FileCount,
		"size":   units.HumanSize(float64(created.Size)),
	}).Info("Archive created")

	return nil
}
