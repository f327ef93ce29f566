package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"extractplane/pkg/api"

	"github.com/spf13/cobra"
)

var examplesCmd = &cobra.Command{
	Use:   "examples",
	Short: "Browse and register code examples",
}

var examplesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List code examples by review status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		examples, err := newClient().ListExamples(status)
		if err != nil {
			return err
		}

		if len(examples) == 0 {
			cmd.Println("No code examples found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "EXAMPLE ID\tREQUIREMENT\tPATH\tPORT\tREVIEW\tCREATED")
		for _, e := range examples {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				e.ID,
				truncate(e.RequirementID, 24),
				e.Path,
				e.Port,
				e.ReviewStatus,
				e.CreatedAt.Format(time.RFC3339),
			)
		}
		return w.Flush()
	},
}

var examplesGetCmd = &cobra.Command{
	Use:   "get [example_id]",
	Short: "Show a code example and its review state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		example, err := newClient().GetExample(args[0])
		if err != nil {
			return err
		}
		printExample(cmd, *example)
		return nil
	},
}

var examplesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a code example produced outside the worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		requirement, _ := cmd.Flags().GetString("requirement")
		path, _ := cmd.Flags().GetString("path")
		port, _ := cmd.Flags().GetInt("port")
		jobID, _ := cmd.Flags().GetString("job")

		example, err := newClient().CreateExample(api.CreateExampleRequest{
			RequirementID: requirement,
			Path:          path,
			Port:          port,
			JobID:         jobID,
		})
		if err != nil {
			return err
		}
		cmd.Printf("Code example registered\nID: %s\n", example.ID)
		return nil
	},
}

func printExample(cmd *cobra.Command, e api.CodeExampleResponse) {
	cmd.Printf("%s %sCode Example%s\n", statusIcon(e.ReviewStatus), colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, e.ID)
	cmd.Printf("%sRequirement:%s %s\n", colorDim, colorReset, e.RequirementID)
	cmd.Printf("%sPath:%s        %s\n", colorDim, colorReset, e.Path)
	if e.Port != 0 {
		cmd.Printf("%sPort:%s        %d\n", colorDim, colorReset, e.Port)
	}
	if e.JobID != nil {
		cmd.Printf("%sJob:%s         %s\n", colorDim, colorReset, *e.JobID)
	}
	cmd.Printf("%sReview:%s      %s\n", colorDim, colorReset, colorizeStatus(e.ReviewStatus))
	if e.RejectionReason != nil {
		cmd.Printf("%sReason:%s      %s\n", colorDim, colorReset, *e.RejectionReason)
	}
	if e.RejectionNotes != nil {
		cmd.Printf("%sNotes:%s       %s\n", colorDim, colorReset, *e.RejectionNotes)
	}
	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&e.CreatedAt))
	cmd.Printf("%sReviewed:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(e.ReviewedAt))
}

func init() {
	examplesListCmd.Flags().String("status", "pending", "Review status (pending, approved, rejected)")

	examplesCreateCmd.Flags().String("requirement", "", "Requirement the example satisfies")
	examplesCreateCmd.Flags().String("path", "", "Example directory relative to the artifact root")
	examplesCreateCmd.Flags().Int("port", 0, "Fixed preview port (0 for path routing)")
	examplesCreateCmd.Flags().String("job", "", "Id of the job that produced the example")
	examplesCreateCmd.MarkFlagRequired("requirement")
	examplesCreateCmd.MarkFlagRequired("path")

	examplesCmd.AddCommand(examplesListCmd, examplesGetCmd, examplesCreateCmd)
	rootCmd.AddCommand(examplesCmd)
}
