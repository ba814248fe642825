package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:     "rm <ID>",
	Aliases: []string{"kill"},
	Short:   "Remove a download",
	Long: `Remove a download by its ID (any unique prefix). Its temporary parts are
deleted; --files also deletes the downloaded file. Use --clean to forget
all completed downloads.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clean, _ := cmd.Flags().GetBool("clean")
		files, _ := cmd.Flags().GetBool("files")

		if !clean && len(args) == 0 {
			return errors.New("provide a download ID or use --clean")
		}
		if err := AcquireLock(); err != nil {
			return err
		}
		defer ReleaseLock()

		if clean {
			count, err := app.registry.RemoveCompleted()
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d completed downloads.\n", count)
			return nil
		}

		found, err := app.registry.FindByPrefix(args[0])
		if err != nil {
			return err
		}
		m, err := openManager(nil)
		if err != nil {
			return err
		}
		defer m.Shutdown()

		if err := m.Delete(found.ID, files); err != nil {
			return fmt.Errorf("failed to remove %s: %w", found.Name, err)
		}
		fmt.Printf("Removed download %s (%s)\n", shortID(found.UID), found.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
	rmCmd.Flags().Bool("clean", false, "Remove all completed downloads")
	rmCmd.Flags().Bool("files", false, "Also delete the downloaded file")
}

func shortID(uid string) string {
	if len(uid) > 8 {
		return uid[:8]
	}
	return uid
}
