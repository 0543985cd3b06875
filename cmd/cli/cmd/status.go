package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"clinicflow/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [execution_id]",
	Short: "Get status of an execution",
	Long:  `Retrieve the current state of a workflow execution: its status (running, waiting, paused, completed, failed, cancelled, dead_letter), the node it is on, what it is waiting for, and its context.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exec, err := newClient().GetExecution(args[0])
		if err != nil {
			return err
		}
		printExecution(cmd, *exec)
		return nil
	},
}

func printExecution(cmd *cobra.Command, exec api.ExecutionResponse) {
	// Header with status icon
	icon := statusIcon(exec.Status)
	cmd.Printf("%s %sExecution Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, exec.ID)
	cmd.Printf("%sTemplate:%s    %s v%d\n", colorDim, colorReset, exec.TemplateKey, exec.TemplateVersion)
	cmd.Printf("%sTrigger:%s     %s (%s:%s)\n", colorDim, colorReset, exec.TriggerType, exec.Entity.Type, exec.Entity.ID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(exec.Status))
	cmd.Printf("%sNode:%s        %s (attempt %d)\n", colorDim, colorReset, exec.CurrentNodeID, exec.NodeAttempts+1)

	if exec.PendingJobID != nil {
		cmd.Printf("%sPending Job:%s %s\n", colorDim, colorReset, *exec.PendingJobID)
	}
	if exec.WaitSignal != "" {
		cmd.Printf("%sSignal:%s      %s\n", colorDim, colorReset, exec.WaitSignal)
	}
	if exec.WakeAt != nil {
		cmd.Printf("%sWakes:%s       %s\n", colorDim, colorReset, formatTimeUntil(*exec.WakeAt))
	}
	if exec.CancelRequested {
		cmd.Printf("%sCancel:%s      %srequested%s\n", colorDim, colorReset, colorYellow, colorReset)
	}
	if exec.LastError != nil {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, *exec.LastError, colorReset)
	}

	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&exec.CreatedAt))
	if exec.CompletedAt != nil {
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(exec.CompletedAt),
			colorCyan, formatDuration(exec.CompletedAt.Sub(exec.CreatedAt)), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    -\n", colorDim, colorReset)
	}

	if len(exec.Context) > 0 {
		b, err := json.MarshalIndent(exec.Context, "             ", "  ")
		if err == nil {
			cmd.Printf("%sContext:%s     %s\n", colorDim, colorReset, b)
		}
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// statusColor covers both execution and job statuses.
func statusColor(status string) string {
	switch status {
	case "completed":
		return colorGreen
	case "failed", "dead_letter":
		return colorRed
	case "running", "paused":
		return colorYellow
	case "pending", "queued", "waiting":
		return colorCyan
	case "cancelled":
		return colorDim
	default:
		return ""
	}
}

func statusIcon(status string) string {
	switch status {
	case "completed":
		return colorGreen + "✓" + colorReset
	case "failed", "dead_letter":
		return colorRed + "✗" + colorReset
	case "running":
		return colorYellow + "⏳" + colorReset
	case "paused":
		return colorYellow + "‖" + colorReset
	case "pending", "queued", "waiting":
		return colorCyan + "◯" + colorReset
	case "cancelled":
		return colorDim + "⊘" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	color := statusColor(status)
	if color == "" {
		return status
	}
	return statusIcon(status) + " " + color + status + colorReset
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func formatTimeUntil(t time.Time) string {
	d := time.Until(t)
	if d <= 0 {
		return fmt.Sprintf("%s %s(due)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, colorReset)
	}
	return fmt.Sprintf("%s %s(in %s)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, formatDuration(d), colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
