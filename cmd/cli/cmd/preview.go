package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"extractplane/pkg/api"

	"github.com/spf13/cobra"
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Run live preview servers for code examples",
}

func previewActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [example_id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Preview(args[0], action)
			if err != nil {
				return err
			}
			printPreview(cmd, *resp)
			return nil
		},
	}
}

var previewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List preview servers that are starting or running",
	RunE: func(cmd *cobra.Command, args []string) error {
		previews, err := newClient().ListPreviews()
		if err != nil {
			return err
		}

		if len(previews) == 0 {
			cmd.Println("No previews running.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "EXAMPLE ID\tSTATUS\tPORT\tPID\tUPTIME\tURL")
		for _, p := range previews {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				p.ComponentID,
				p.Status,
				p.Port,
				p.PID,
				formatDuration(time.Since(p.StartedAt).Truncate(time.Second)),
				p.URL,
			)
		}
		return w.Flush()
	},
}

func printPreview(cmd *cobra.Command, p api.PreviewResponse) {
	cmd.Printf("%s %sPreview%s %s\n", statusIcon(p.Status), colorBold, colorReset, p.ComponentID)
	cmd.Printf("%sStatus:%s  %s\n", colorDim, colorReset, colorizeStatus(p.Status))
	if p.URL != "" {
		cmd.Printf("%sURL:%s     %s\n", colorDim, colorReset, p.URL)
	}
	if p.Port != 0 {
		cmd.Printf("%sPort:%s    %d\n", colorDim, colorReset, p.Port)
	}
	if p.Error != "" {
		cmd.Printf("%sError:%s\n%s%s%s\n", colorDim, colorReset, colorRed, p.Error, colorReset)
	}
}

func init() {
	previewCmd.AddCommand(
		previewActionCmd(api.PreviewActionStart, "Install and start the preview server for an example"),
		previewActionCmd(api.PreviewActionStop, "Stop the preview server for an example"),
		previewActionCmd(api.PreviewActionStatus, "Show the preview state of an example"),
		previewListCmd,
	)
	rootCmd.AddCommand(previewCmd)
}
