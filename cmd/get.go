package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/partdl/internal/clipboard"
	"github.com/surge-downloader/partdl/internal/download"
	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/tui"
	"github.com/surge-downloader/partdl/internal/utils"
)

var getCmd = &cobra.Command{
	Use:   "get [url]...",
	Short: "Download one or more files",
	Long: `Download files over several connections. URLs come from the arguments,
a batch file (one per line) or the clipboard. Interrupted downloads can be
continued with 'partdl resume' or by running the same get again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		output, _ := flags.GetString("output")
		name, _ := flags.GetString("name")
		conns, _ := flags.GetInt("connections")
		partSize, _ := flags.GetString("part-size")
		limit, _ := flags.GetString("limit")
		audioURL, _ := flags.GetString("audio-url")
		protocol, _ := flags.GetString("protocol")
		fromClipboard, _ := flags.GetBool("clipboard")
		batchFile, _ := flags.GetString("batch")
		quiet, _ := flags.GetBool("quiet")
		at, _ := flags.GetString("at")

		urls := append([]string(nil), args...)
		if batchFile != "" {
			fromFile, err := readURLsFromFile(batchFile)
			if err != nil {
				return err
			}
			urls = append(urls, fromFile...)
		}
		if fromClipboard {
			clipped, err := clipboard.ReadURLs()
			if err != nil {
				return fmt.Errorf("failed to read clipboard: %w", err)
			}
			urls = append(urls, clipped...)
		}
		if len(urls) == 0 {
			return errors.New("no URLs given")
		}
		if name != "" && len(urls) > 1 {
			return errors.New("--name can only be used with a single URL")
		}

		req := download.Request{
			Filename:    name,
			AudioURL:    audioURL,
			Protocol:    protocol,
			Connections: conns,
		}
		var err error
		if req.Folder, err = outputFolder(output); err != nil {
			return err
		}
		if partSize != "" {
			if req.PartSize, err = utils.ParseSize(partSize); err != nil {
				return fmt.Errorf("invalid --part-size: %w", err)
			}
		}
		if req.ScheduledAt, err = parseAt(at, time.Now()); err != nil {
			return err
		}
		if limit != "" {
			if app.runtime.SpeedLimit, err = utils.ParseSize(limit); err != nil {
				return fmt.Errorf("invalid --limit: %w", err)
			}
		}

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

		var added []*types.DownloadItem
		for _, u := range urls {
			r := req
			r.URL = u
			item, err := m.Add(cmd.Context(), r)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error adding %s: %v\n", u, err)
				continue
			}
			added = append(added, item)
			if quiet {
				fmt.Printf("Queued #%d %s -> %s\n", item.Num(), u, item.TargetPath())
			}
		}
		if len(added) == 0 {
			m.Shutdown()
			return errors.New("no downloads were added")
		}
		return runManager(m, added, progress, quiet)
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	f := getCmd.Flags()
	f.StringP("output", "o", "", "output directory (default from settings)")
	f.StringP("name", "n", "", "file name to save as (single URL only)")
	f.IntP("connections", "c", 0, "connections per download (default from settings)")
	f.String("part-size", "", "part size, e.g. 4MB")
	f.String("limit", "", "global speed limit, e.g. 2MB")
	f.String("audio-url", "", "separate audio stream to merge (DASH)")
	f.String("protocol", "", "http, https, hls or m3u8 (default http)")
	f.Bool("clipboard", false, "also download URLs found on the clipboard")
	f.StringP("batch", "b", "", "file containing URLs to download (one per line)")
	f.BoolP("quiet", "q", false, "print plain lines instead of the progress view")
	f.String("at", "", "start at HH:MM instead of now")
}

// outputFolder resolves and creates the destination directory.
func outputFolder(output string) (string, error) {
	if output == "" {
		output = app.settings.General.DefaultDownloadDir
	}
	abs, err := filepath.Abs(output)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	return abs, nil
}

// openManager builds a Manager over the registry and loads saved items so
// new items get fresh IDs and unfinished targets are reused.
func openManager(progress chan any) (*download.Manager, error) {
	m := download.NewManager(download.Options{
		Runtime:  app.runtime,
		Store:    app.registry,
		Progress: progress,
	})
	if _, err := m.LoadFromStore(); err != nil {
		m.Shutdown()
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	return m, nil
}
