package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/casevault/pstcorpus/config"
	"github.com/casevault/pstcorpus/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Write a deterministic export manifest for the case",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadManifest(cmd)
		if err != nil {
			return err
		}

		_, logger, db, cleanup, err := setupCommand(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		items, err := manifest.Collect(context.Background(), db, cfg.CaseID)
		if err != nil {
			return err
		}

		bundleID := cfg.BundleID
		if bundleID == "" {
			bundleID = ulid.Make().String()
		}

		out, err := manifest.Build(cfg.CaseID, bundleID, items)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
			return err
		}
		manifestPath := filepath.Join(cfg.OutDir, "bundle_manifest.json")
		hashesPath := filepath.Join(cfg.OutDir, "hashes.txt")
		if err := os.WriteFile(manifestPath, out.Manifest, 0o644); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
		if err := os.WriteFile(hashesPath, out.Hashes, 0o644); err != nil {
			return fmt.Errorf("write hashes: %w", err)
		}

		logger.Info("manifest written",
			"bundle", bundleID,
			"items", len(items),
			"manifest", manifestPath,
			"sha256", out.ManifestSHA256,
		)
		return nil
	},
}

func init() {
	config.RegisterManifestFlags(manifestCmd)
	rootCmd.AddCommand(manifestCmd)
}
