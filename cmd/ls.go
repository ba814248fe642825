package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/utils"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List downloads",
	Long:  `List every download in the item registry.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		items, err := app.registry.LoadItems()
		if err != nil {
			return fmt.Errorf("failed to list downloads: %w", err)
		}
		return printItems(os.Stdout, items, jsonOutput)
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
	lsCmd.Flags().Bool("json", false, "Output in JSON format")
}

// itemView is the JSON shape of one listed item.
type itemView struct {
	UID        string  `json:"uid"`
	Name       string  `json:"name"`
	URL        string  `json:"url"`
	Folder     string  `json:"folder"`
	Status     string  `json:"status"`
	Downloaded int64   `json:"downloaded"`
	Size       int64   `json:"size"`
	Progress   float64 `json:"progress"`
	Log        string  `json:"last_log,omitempty"`
}

func printItems(w io.Writer, items []*types.DownloadItem, jsonOutput bool) error {
	if jsonOutput {
		views := make([]itemView, 0, len(items))
		for _, it := range items {
			v := itemView{
				UID:        it.UID,
				Name:       it.Name,
				URL:        it.URL,
				Folder:     it.Folder,
				Status:     it.Status().String(),
				Downloaded: it.Downloaded(),
				Size:       it.Size(),
				Progress:   it.Progress(),
			}
			if logs := it.Logs(); len(logs) > 0 {
				v.Log = logs[len(logs)-1]
			}
			views = append(views, v)
		}
		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	if len(items) == 0 {
		fmt.Fprintln(w, "No downloads found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILENAME\tSTATUS\tPROGRESS\tSIZE")
	fmt.Fprintln(tw, "--\t--------\t------\t--------\t----")
	for _, it := range items {
		id := it.UID
		if len(id) > 8 {
			id = id[:8]
		}
		name := it.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		size := "-"
		if it.Size() > 0 {
			size = utils.ConvertBytesToHumanReadable(it.Size())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%s\n", id, name, it.Status(), it.Progress(), size)
	}
	return tw.Flush()
}
