package cmd

import (
	"errors"

	"extractplane/pkg/api"

	"github.com/spf13/cobra"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Approve or reject a pending code example",
	Long: `Record the review verdict for a code example.

Only pending examples can be reviewed; approved and rejected are final.
A rejection needs a reason: does_not_run, incorrect, not_minimal or other.`,
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve [example_id]",
	Short: "Approve a code example",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitReview(cmd, api.ReviewRequest{ID: args[0], Status: "approved"})
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject [example_id]",
	Short: "Reject a code example with a reason",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		notes, _ := cmd.Flags().GetString("notes")
		if reason == "" {
			return errors.New("--reason is required when rejecting")
		}

		req := api.ReviewRequest{ID: args[0], Status: "rejected", Reason: &reason}
		if notes != "" {
			req.Notes = &notes
		}
		return submitReview(cmd, req)
	},
}

func submitReview(cmd *cobra.Command, req api.ReviewRequest) error {
	example, err := newClient().Review(req)
	if err != nil {
		return err
	}
	cmd.Printf("Example %s is now %s\n", example.ID, colorizeStatus(example.ReviewStatus))
	return nil
}

func init() {
	reviewRejectCmd.Flags().String("reason", "", "Rejection reason (does_not_run, incorrect, not_minimal, other)")
	reviewRejectCmd.Flags().String("notes", "", "Free-form reviewer notes")

	reviewCmd.AddCommand(reviewApproveCmd, reviewRejectCmd)
	rootCmd.AddCommand(reviewCmd)
}
