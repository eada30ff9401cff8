package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/quill/ai/tracker"
	"github.com/teranos/quill/artifact"
	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/pulse/async"
)

// JobCmd groups job commands
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and retry jobs",
	Long: `Inspect jobs, their stage artifacts and model usage.

Examples:
  quill job show <job-id>                       # Status, progress and error
  quill job artifacts <job-id>                  # Every revision of every stage
  quill job artifacts <job-id> --stage body     # One stage, latest revision
  quill job usage <job-id>                      # Backend calls and tokens
  quill job retry <job-id>                      # Re-run a failed job`,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Reset a failed job and enqueue it on the running server",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRetry,
}

var jobArtifactsCmd = &cobra.Command{
	Use:   "artifacts <job-id>",
	Short: "List a job's stage artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobArtifacts,
}

var jobUsageCmd = &cobra.Command{
	Use:   "usage <job-id>",
	Short: "List a job's model calls",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobUsage,
}

func init() {
	jobShowCmd.Flags().Bool("json", false, "Output as JSON")

	addServerFlag(jobRetryCmd)

	jobArtifactsCmd.Flags().String("stage", "", "Print the latest payload of this stage")
	jobArtifactsCmd.Flags().Int("revision", 0, "Revision to print with --stage (default: latest)")
	jobArtifactsCmd.Flags().Bool("json", false, "Output as JSON")

	jobUsageCmd.Flags().Bool("json", false, "Output as JSON")

	JobCmd.AddCommand(jobShowCmd, jobRetryCmd, jobArtifactsCmd, jobUsageCmd)
}

func runJobShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := async.NewStore(database).GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(job)
	}

	pterm.DefaultSection.Printf("Job %s", job.ID)
	fmt.Printf("Batch:     %s\n", job.BatchID)
	fmt.Printf("Topic:     %s\n", job.Params.Topic)
	fmt.Printf("Site:      %s (%s)\n", job.Params.Site, job.Params.Language)
	fmt.Printf("Target:    %d words\n", job.Params.TargetWordCount)
	fmt.Printf("Status:    %s\n", job.Status)
	if job.CurrentStage != "" {
		fmt.Printf("Stage:     %s (%d%%)\n", job.CurrentStage, job.Progress)
	}
	fmt.Printf("Attempts:  %d\n", job.Attempts)
	fmt.Printf("Created:   %s\n", formatTime(job.CreatedAt))
	if job.StartedAt != nil {
		fmt.Printf("Started:   %s\n", formatTime(*job.StartedAt))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", formatTime(*job.CompletedAt))
	}
	if job.PublishedLocation != "" {
		pterm.Success.Printf("Published at %s\n", job.PublishedLocation)
	}
	if job.Error != "" {
		pterm.Error.Println(job.Error)
		if async.IsInterrupted(job.Error) {
			pterm.Info.Printf("Re-run it with: quill job retry %s\n", job.ID)
		}
	}
	return nil
}

func runJobRetry(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	var job async.Job
	if err := client.do(cmd.Context(), "POST", "/api/jobs/"+args[0]+"/retry", "", nil, &job); err != nil {
		return err
	}
	pterm.Success.Printf("Job %s is %s\n", job.ID, job.Status)
	return nil
}

func runJobArtifacts(cmd *cobra.Command, args []string) error {
	stage, _ := cmd.Flags().GetString("stage")
	revision, _ := cmd.Flags().GetInt("revision")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	store := artifact.NewStore(database)

	if stage != "" {
		var a *artifact.Artifact
		if revision > 0 {
			a, err = store.Get(ctx, args[0], stage, revision)
		} else {
			a, err = latestOf(ctx, store, args[0], stage)
		}
		if err != nil {
			return err
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, a.Payload, "", "  "); err != nil {
			fmt.Println(string(a.Payload))
			return nil
		}
		fmt.Println(pretty.String())
		return nil
	}

	artifacts, err := store.List(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(artifacts)
	}
	if len(artifacts) == 0 {
		pterm.Info.Println("No artifacts")
		return nil
	}
	rows := make([][]string, 0, len(artifacts))
	for _, a := range artifacts {
		rows = append(rows, []string{
			a.Stage,
			strconv.Itoa(a.Revision),
			strconv.Itoa(len(a.Payload)),
			formatTime(a.CreatedAt),
		})
	}
	return renderTable([]string{"Stage", "Revision", "Bytes", "Created"}, rows)
}

func latestOf(ctx context.Context, store *artifact.Store, jobID, stage string) (*artifact.Artifact, error) {
	latest, err := store.Latest(ctx, jobID)
	if err != nil {
		return nil, err
	}
	a, ok := latest[stage]
	if !ok {
		stages := make([]string, 0, len(latest))
		for s := range latest {
			stages = append(stages, s)
		}
		sort.Strings(stages)
		return nil, errors.NewNotFoundError("job %s has no %s artifact (have: %v)", jobID, stage, stages)
	}
	return &a, nil
}

func runJobUsage(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	events, err := tracker.NewUsageTracker(database).ListForJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(events)
	}
	if len(events) == 0 {
		pterm.Info.Println("No usage recorded")
		return nil
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		outcome := "ok"
		if !e.Success {
			outcome = truncate(e.Error, 40)
		}
		rows = append(rows, []string{
			e.Stage,
			e.BackendID,
			string(e.Kind),
			strconv.Itoa(e.InputTokens),
			strconv.Itoa(e.OutputTokens),
			strconv.FormatInt(e.LatencyMS, 10) + "ms",
			outcome,
		})
	}
	return renderTable([]string{"Stage", "Backend", "Kind", "Input", "Output", "Latency", "Outcome"}, rows)
}
