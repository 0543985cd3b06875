package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"clinicflow/pkg/api"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Report a domain event that may start executions",
	Long: `Report a domain event. Every active template for the trigger type and
tenant scope starts one execution; repeating the same event for the same
entity returns the existing executions.

Example:
  flowctl trigger --type lead.created --entity lead:8d1c0b7e --scope-kind clinic --scope-id <clinic-id> --data '{"lead":{"phone":"+15550100"}}'
  flowctl trigger --type appointment.booked --entity appointment:42 --data 'patient: {name: Ana}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		triggerType, _ := flags.GetString("type")
		entity, _ := flags.GetString("entity")
		data, _ := flags.GetString("data")
		createdBy, _ := flags.GetString("created-by")

		if triggerType == "" {
			return errors.New("--type is required")
		}
		entityType, entityID, ok := strings.Cut(entity, ":")
		if !ok || entityType == "" || entityID == "" {
			return errors.New("--entity must look like <type>:<id>")
		}
		fields, err := parseData(data)
		if err != nil {
			return err
		}

		result, err := newClient().Trigger(api.TriggerRequest{
			TriggerType: triggerType,
			Entity:      api.EntityRef{Type: entityType, ID: entityID},
			Scope:       scopeFromFlags(cmd),
			Data:        fields,
			CreatedBy:   createdBy,
		})
		if err != nil {
			return err
		}
		printTriggered(cmd, result.Executions)
		return nil
	},
}

// parseData reads an inline YAML or JSON object.
func parseData(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var fields map[string]any
	if err := yaml.Unmarshal([]byte(s), &fields); err != nil {
		return nil, fmt.Errorf("--data must be a YAML or JSON object: %w", err)
	}
	return fields, nil
}

// printTriggered renders the executions a trigger started or found.
func printTriggered(cmd *cobra.Command, executions []api.TriggeredExecution) {
	if len(executions) == 0 {
		cmd.Println("No active template matched this trigger.")
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EXECUTION ID\tTEMPLATE\tSTATUS\tNEW")
	for _, e := range executions {
		created := "no"
		if e.Created {
			created = "yes"
		}
		fmt.Fprintf(w, "%s\t%s v%d\t%s\t%s\n", e.ExecutionID, e.TemplateKey, e.TemplateVersion, e.Status, created)
	}
	w.Flush()
}

var logCmd = &cobra.Command{
	Use:   "log [execution_id]",
	Short: "Show the transition log of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		interval, _ := cmd.Flags().GetDuration("interval")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := newClient()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "#\tAT\tFROM\tTO\tOUTCOME\tERROR")
		var lastID int64

		for {
			entries, err := client.GetExecutionLog(args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.ID <= lastID {
					continue
				}
				lastID = e.ID
				errMsg := ""
				if e.Error != nil {
					errMsg = truncate(*e.Error, 60)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.CreatedAt.Format(time.RFC3339), dash(e.FromNode), dash(e.ToNode), e.Outcome, errMsg)
			}
			w.Flush()

			if !follow {
				return nil
			}
			exec, err := client.GetExecution(args[0])
			if err != nil {
				return err
			}
			if finished(exec.Status) {
				cmd.Printf("Execution %s\n", colorizeStatus(exec.Status))
				return nil
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
	},
}

// finished reports whether following an execution can stop. dead_letter
// counts: it only moves again when an operator resumes it.
func finished(status string) bool {
	switch status {
	case "completed", "failed", "cancelled", "dead_letter":
		return true
	}
	return false
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// operateCmd builds resume, pause and cancel, which share a route shape.
func operateCmd(action, short, done string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [execution_id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := newClient().OperateExecution(args[0], action)
			if err != nil {
				return err
			}
			cmd.Printf("✓ Execution %s %s (now %s)\n", exec.ID, done, colorizeStatus(exec.Status))
			return nil
		},
	}
}

var signalCmd = &cobra.Command{
	Use:   "signal [execution_id]",
	Short: "Deliver an external event to a waiting execution",
	Long: `Deliver a signal to an execution parked on a wait node for that signal
key. The data is stored in the execution context under signals.<key>.

Example:
  flowctl signal <execution-id> --key reply --data '{"text":"yes"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		data, _ := cmd.Flags().GetString("data")
		if key == "" {
			return errors.New("--key is required")
		}
		fields, err := parseData(data)
		if err != nil {
			return err
		}

		exec, err := newClient().SignalExecution(args[0], api.SignalRequest{Key: key, Data: fields})
		if err != nil {
			return err
		}
		cmd.Printf("✓ Signal %q delivered to %s (now %s)\n", key, exec.ID, colorizeStatus(exec.Status))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(triggerCmd, logCmd, signalCmd)
	rootCmd.AddCommand(
		operateCmd("resume", "Resume a paused or dead-lettered execution", "resumed"),
		operateCmd("pause", "Pause a running or waiting execution", "paused"),
		operateCmd("cancel", "Cancel an execution", "cancellation requested"),
	)

	flags := triggerCmd.Flags()
	flags.String("type", "", "Trigger type, e.g. lead.created (required)")
	flags.String("entity", "", "Entity that fired the trigger as <type>:<id> (required)")
	flags.String("data", "", "Initial context as a YAML or JSON object")
	flags.String("created-by", "", "Actor recorded on new executions")
	addScopeFlags(triggerCmd)

	logCmd.Flags().BoolP("follow", "f", false, "Keep polling until the execution finishes")
	logCmd.Flags().Duration("interval", 2*time.Second, "Polling interval with --follow")

	signalCmd.Flags().String("key", "", "Signal key the wait node expects (required)")
	signalCmd.Flags().String("data", "", "Signal data as a YAML or JSON object")
}
