package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"clinicflow/pkg/api"

	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Work with the job queue directly",
	Long:  `Submit standalone jobs, inspect them, and cancel jobs that have not been claimed yet.`,
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Enqueue a job",
	Long: `Enqueue a job of a registered type. The payload is checked against the
type's schema by the controller.

Example:
  flowctl job submit --type message.send --payload '{"channel":"sms","to":"+15550100","body":"See you tomorrow"}'
  flowctl job submit --type notification.create --priority high --payload 'recipient_id: u1
title: New lead'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		jobType, _ := flags.GetString("type")
		priority, _ := flags.GetString("priority")
		payload, _ := flags.GetString("payload")
		maxAttempts, _ := flags.GetInt("max-attempts")
		requestedBy, _ := flags.GetString("requested-by")

		if jobType == "" {
			return errors.New("--type is required")
		}
		fields, err := parseData(payload)
		if err != nil {
			return err
		}
		var raw json.RawMessage
		if fields != nil {
			if raw, err = json.Marshal(fields); err != nil {
				return fmt.Errorf("failed to encode payload: %w", err)
			}
		}

		id, err := newClient().SubmitJob(api.SubmitJobRequest{
			Type:        jobType,
			Priority:    priority,
			Payload:     raw,
			Origin:      "flowctl",
			RequestedBy: requestedBy,
			MaxAttempts: maxAttempts,
		})
		if err != nil {
			return err
		}
		cmd.Printf("✓ Job submitted!\nJob ID: %s\n", id)
		return nil
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().GetJob(args[0])
		if err != nil {
			return err
		}
		printJob(cmd, *job)
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a job that has not been claimed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().CancelJob(args[0])
		if err != nil {
			return err
		}
		cmd.Printf("✓ Job %s %s\n", job.ID, colorizeStatus(job.Status))
		return nil
	},
}

func printJob(cmd *cobra.Command, job api.JobResponse) {
	cmd.Printf("%s %sJob Details%s\n", statusIcon(job.Status), colorBold, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, job.ID)
	cmd.Printf("%sType:%s        %s (%s)\n", colorDim, colorReset, job.Type, job.Priority)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(job.Status))
	cmd.Printf("%sAttempts:%s    %d/%d\n", colorDim, colorReset, job.Attempts, job.MaxAttempts)
	if job.ReferenceID != nil {
		cmd.Printf("%sExecution:%s   %s\n", colorDim, colorReset, *job.ReferenceID)
	}
	if job.WorkerID != "" {
		cmd.Printf("%sWorker:%s      %s\n", colorDim, colorReset, job.WorkerID)
	}
	if job.ErrorMessage != nil {
		cmd.Printf("%sError:%s       %s%s%s", colorDim, colorReset, colorRed, *job.ErrorMessage, colorReset)
		if job.FailureClass != "" {
			cmd.Printf(" (%s)", job.FailureClass)
		}
		cmd.Println()
	}
	if len(job.Result) > 0 {
		cmd.Printf("%sResult:%s      %s\n", colorDim, colorReset, job.Result)
	}
	cmd.Printf("%sNext Run:%s    %s\n", colorDim, colorReset, job.NextRunAt.Format("Mon, 02 Jan 2006 15:04:05 MST"))
	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&job.CreatedAt))
	cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(job.CompletedAt))
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobSubmitCmd, jobStatusCmd, jobCancelCmd)

	flags := jobSubmitCmd.Flags()
	flags.String("type", "", "Job type (required)")
	flags.String("priority", "", "critical, high, normal or low (default normal)")
	flags.String("payload", "", "Payload as a YAML or JSON object")
	flags.Int("max-attempts", 0, "Attempt limit (default from controller config)")
	flags.String("requested-by", "", "Actor recorded on the job")
}
