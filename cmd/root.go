package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/partdl/internal/config"
	"github.com/surge-downloader/partdl/internal/engine/events"
	"github.com/surge-downloader/partdl/internal/engine/state"
	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/utils"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// appState holds what every subcommand needs once initialize has run.
type appState struct {
	settings *config.Settings
	runtime  *types.RuntimeConfig
	registry *state.Registry
}

var app *appState

var rootCmd = &cobra.Command{
	Use:     "partdl",
	Short:   "Segmented, resumable multi-connection downloader",
	Long:    `partdl splits a download into parts, fetches them over several connections and resumes where it left off.`,
	Version: Version,

	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")
		return initialize(debug)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeState()
	},
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	closeState()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "mirror the debug log to stderr")
	rootCmd.SetVersionTemplate(fmt.Sprintf("partdl %s (built %s)\n", Version, BuildTime))
}

// initialize prepares directories, settings, logging and the item registry.
func initialize(debug bool) error {
	if err := config.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to create config dirs: %w", err)
	}
	settings, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	utils.InitLogger(debug || settings.General.Debug, config.GetLogsDir())
	utils.CleanupLogs(settings.General.LogRetentionCount)

	registry, err := state.Open(filepath.Join(config.GetStateDir(), "partdl.db"))
	if err != nil {
		return fmt.Errorf("failed to open item registry: %w", err)
	}

	app = &appState{
		settings: settings,
		runtime:  settings.ToRuntimeConfig(),
		registry: registry,
	}
	utils.Debug("partdl %s started, config in %s", Version, config.GetAppDir())
	return nil
}

func closeState() {
	if app == nil || app.registry == nil {
		return
	}
	if err := app.registry.Close(); err != nil {
		utils.Debug("failed to close registry: %v", err)
	}
	app.registry = nil
}

// consumeHeadless prints one line per lifecycle event until ch closes or
// done is closed. name resolves an item ID to its file name.
func consumeHeadless(ch <-chan any, done <-chan struct{}, out io.Writer, name func(id int) string) {
	for {
		var msg any
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg = m
		case <-done:
			return
		}

		switch m := msg.(type) {
		case events.DownloadStartedMsg:
			fmt.Fprintf(out, "Started:   %s (%s)\n", m.Filename, utils.ConvertBytesToHumanReadable(m.Total))
		case events.DownloadCompleteMsg:
			fmt.Fprintf(out, "Completed: %s in %s\n", m.Filename, utils.FormatETA(m.Elapsed))
		case events.DownloadErrorMsg:
			fmt.Fprintf(out, "Error:     %s: %v\n", name(m.ItemID), m.Err)
		case events.StatusChangedMsg:
			if m.To == types.StatusMergingAudio {
				fmt.Fprintf(out, "Merging:   %s\n", name(m.ItemID))
			}
		}
	}
}
