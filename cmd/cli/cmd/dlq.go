package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect dead-lettered executions",
	Long: `Inspect executions parked in dead_letter after a node exhausted its retries.
Resume one with 'flowctl resume <execution-id>' once the cause is fixed.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		// Fetch dead-lettered executions with pagination
		executions, err := newClient().ListDeadLetter(limit, offset)
		if err != nil {
			return err
		}

		if len(executions) == 0 {
			if offset > 0 {
				cmd.Println("No more dead-lettered executions.")
			} else {
				cmd.Println("No dead-lettered executions.")
			}
			return nil
		}

		// Print table
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "EXECUTION ID\tTEMPLATE\tNODE\tATTEMPTS\tUPDATED AT\tERROR")
		for _, e := range executions {
			errMsg := ""
			if e.LastError != nil {
				errMsg = truncate(*e.LastError, 50)
			}
			fmt.Fprintf(w, "%s\t%s v%d\t%s\t%d\t%s\t%s\n",
				e.ID,
				e.TemplateKey,
				e.TemplateVersion,
				e.CurrentNodeID,
				e.NodeAttempts,
				e.UpdatedAt.Format(time.RFC3339),
				errMsg,
			)
		}
		w.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)

	dlqListCmd.Flags().IntP("limit", "l", 20, "Number of executions to list")
	dlqListCmd.Flags().IntP("offset", "o", 0, "Offset for pagination")
}
