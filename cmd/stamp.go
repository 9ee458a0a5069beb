package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/casevault/pstcorpus/config"
	"github.com/casevault/pstcorpus/stamp"
)

var stampCmd = &cobra.Command{
	Use:   "stamp",
	Short: "Create a verifiable evidence pointer for a text span",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadStamp(cmd)
		if err != nil {
			return err
		}

		_, _, db, cleanup, err := setupCommand(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		svc := stamp.NewService(stamp.NewDBSource(db))
		pointer, err := svc.Stamp(context.Background(), cfg.CaseID, cfg.SourceType, cfg.SourceID, cfg.Start, cfg.End)
		if err != nil {
			return err
		}

		fmt.Println(pointer.URI())
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <pointer>",
	Short: "Verify an evidence pointer against the stored text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, db, cleanup, err := setupCommand(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		svc := stamp.NewService(stamp.NewDBSource(db))
		result, err := svc.Verify(context.Background(), args[0])
		if err != nil {
			return err
		}

		if !result.Valid {
			return fmt.Errorf("pointer invalid: %s", result.Reason)
		}

		fmt.Printf("VALID\n%s\n", result.Excerpt)
		return nil
	},
}

func init() {
	if err := config.RegisterStampFlags(stampCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register stamp flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(stampCmd)
	rootCmd.AddCommand(verifyCmd)
}
