package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/tui"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [ID]",
	Short: "Resume paused downloads",
	Long: `Resume a download by its ID (any unique prefix). Without an ID every
paused, queued or failed download is resumed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")

		if err := AcquireLock(); err != nil {
			return err
		}
		defer ReleaseLock()

		tui.ConfigureColors(quiet)
		progress := make(chan any, types.ProgressChannelBuffer)
		m, err := openManager(progress)
		if err != nil {
			return err
		}

		var targets []*types.DownloadItem
		if len(args) == 1 {
			found, err := app.registry.FindByPrefix(args[0])
			if err != nil {
				m.Shutdown()
				return err
			}
			item, err := m.Get(found.ID)
			if err != nil {
				m.Shutdown()
				return err
			}
			targets = append(targets, item)
		} else {
			for _, item := range m.Items() {
				if resumable(item.Status()) {
					targets = append(targets, item)
				}
			}
		}

		var started []*types.DownloadItem
		for _, item := range targets {
			if err := m.Resume(item.ID); err != nil {
				fmt.Fprintf(os.Stderr, "Error resuming %s: %v\n", item.Name, err)
				continue
			}
			started = append(started, item)
		}
		if len(started) == 0 {
			m.Shutdown()
			if len(args) == 0 {
				fmt.Println("Nothing to resume.")
				return nil
			}
			return errors.New("download was not resumed")
		}
		return runManager(m, started, progress, quiet)
	},
}

func resumable(s types.Status) bool {
	switch s {
	case types.StatusPaused, types.StatusPending, types.StatusError:
		return true
	}
	return false
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().BoolP("quiet", "q", false, "print plain lines instead of the progress view")
}
