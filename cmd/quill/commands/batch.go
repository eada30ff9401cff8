package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/manifest"
	"github.com/teranos/quill/pulse/async"
	"github.com/teranos/quill/pulse/budget"
)

// BatchCmd groups batch commands
var BatchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Submit, list and enqueue batches",
	Long: `Manage article batches.

A batch is created from a manifest file (YAML, TOML or JSON) listing the
articles to generate. Creating a batch does not start it; enqueue hands its
queued jobs to the scheduler of a running quill server.

Examples:
  quill batch submit coffee.yaml            # Create the batch and its jobs
  quill batch submit coffee.yaml --enqueue  # Create and start it
  quill batch ls                            # Recent batches
  quill batch show <batch-id>               # Counts, spend and jobs
  quill batch budget <batch-id> 12.50       # Change the spending cap
  quill batch budget <batch-id> none        # Remove the spending cap`,
}

var batchSubmitCmd = &cobra.Command{
	Use:   "submit <manifest>",
	Short: "Create a batch from a manifest file",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchSubmit,
}

var batchLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent batches",
	RunE:  runBatchLs,
}

var batchShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show a batch with its jobs and spend",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchShow,
}

var batchEnqueueCmd = &cobra.Command{
	Use:   "enqueue <batch-id>",
	Short: "Hand a batch's queued jobs to the running scheduler",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchEnqueue,
}

var batchBudgetCmd = &cobra.Command{
	Use:   "budget <batch-id> <limit|none>",
	Short: "Set or remove a batch's spending cap",
	Args:  cobra.ExactArgs(2),
	RunE:  runBatchBudget,
}

func init() {
	batchSubmitCmd.Flags().Bool("enqueue", false, "Enqueue the batch on the running server after creating it")
	batchSubmitCmd.Flags().Float64("budget", -1, "Spending cap in USD (overrides the manifest)")
	addServerFlag(batchSubmitCmd)

	batchLsCmd.Flags().Int("limit", 20, "Number of batches to show")
	batchLsCmd.Flags().Bool("json", false, "Output as JSON")

	batchShowCmd.Flags().Bool("json", false, "Output as JSON")
	batchShowCmd.Flags().String("status", "", "Only list jobs with this status")

	addServerFlag(batchEnqueueCmd)
	addServerFlag(batchBudgetCmd)

	BatchCmd.AddCommand(batchSubmitCmd, batchLsCmd, batchShowCmd, batchEnqueueCmd, batchBudgetCmd)
}

func runBatchSubmit(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(args[0])
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("budget") {
		limit, _ := cmd.Flags().GetFloat64("budget")
		m.Budget = &limit
	}
	batch, err := m.Batch()
	if err != nil {
		return err
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	params, keys := m.Submission()
	sub, err := async.NewQueue(database).Submit(cmd.Context(), batch, params, keys)
	if err != nil {
		return errors.Wrapf(err, "failed to submit %s", args[0])
	}

	if sub.Batch == nil {
		pterm.Warning.Printf("All %d jobs already exist; no batch created\n", len(sub.Jobs))
		return nil
	}

	pterm.Success.Printf("Created batch %s (%s)\n", sub.Batch.ID, sub.Batch.Name)
	pterm.Info.Printf("%d jobs, %d new, %d already existed\n", len(sub.Jobs), sub.Created, len(sub.Jobs)-sub.Created)

	if enqueue, _ := cmd.Flags().GetBool("enqueue"); enqueue {
		return enqueueRemote(cmd, sub.Batch.ID)
	}
	pterm.Info.Printf("Start it with: quill batch enqueue %s\n", sub.Batch.ID)
	return nil
}

func runBatchLs(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := async.NewStore(database)
	batches, err := store.ListBatches(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(batches)
	}
	if len(batches) == 0 {
		pterm.Info.Println("No batches")
		return nil
	}

	rows := make([][]string, 0, len(batches))
	for _, b := range batches {
		counts, err := store.CountJobs(cmd.Context(), b.ID)
		if err != nil {
			return err
		}
		rows = append(rows, []string{
			b.ID,
			truncate(b.Name, 32),
			string(b.Status),
			fmt.Sprintf("%d/%d", counts.Published, counts.Total()),
			formatLimit(b.BudgetLimit),
			formatTime(b.CreatedAt),
		})
	}
	return renderTable([]string{"ID", "Name", "Status", "Published", "Budget", "Created"}, rows)
}

func runBatchShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	statusFilter, _ := cmd.Flags().GetString("status")

	var status *async.JobStatus
	if statusFilter != "" {
		if !async.IsValidStatus(statusFilter) {
			return errors.NewInvalidRequestError("unknown job status %q", statusFilter)
		}
		st := async.JobStatus(statusFilter)
		status = &st
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	store := async.NewStore(database)
	batch, err := store.GetBatch(ctx, args[0])
	if err != nil {
		return err
	}
	counts, err := store.CountJobs(ctx, batch.ID)
	if err != nil {
		return err
	}
	tracker := budget.NewTracker(budget.NewStore(database), nil)
	spend, err := tracker.GetStatus(ctx, batch.ID)
	if err != nil {
		return err
	}
	breakdown, err := tracker.Store().BatchBreakdown(ctx, batch.ID)
	if err != nil {
		return err
	}
	jobs, err := store.ListJobs(ctx, batch.ID, status)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(map[string]interface{}{
			"batch":          batch,
			"counts":         counts,
			"budget":         spend,
			"cost_breakdown": breakdown,
			"jobs":           jobs,
		})
	}

	pterm.DefaultSection.Printf("Batch %s", batch.Name)
	fmt.Printf("ID:       %s\n", batch.ID)
	if batch.SourceRef != "" {
		fmt.Printf("Source:   %s\n", batch.SourceRef)
	}
	fmt.Printf("Status:   %s\n", batch.Status)
	fmt.Printf("Jobs:     %d queued, %d processing, %d published, %d failed\n",
		counts.Queued, counts.Processing, counts.Published, counts.Failed)
	fmt.Printf("Spend:    %s of %s\n", formatCost(spend.Spend), formatLimit(batch.BudgetLimit))
	if err := tracker.CheckBudget(ctx, batch.ID); errors.Is(err, budget.ErrBudgetExceeded) {
		pterm.Warning.Printf("%v: queued jobs stay paused until the limit is raised\n", err)
	} else if err != nil {
		return err
	}
	fmt.Println()

	if len(breakdown) > 0 {
		rows := make([][]string, 0, len(breakdown))
		for _, c := range breakdown {
			rows = append(rows, []string{
				c.BackendID,
				strconv.Itoa(c.Events),
				strconv.Itoa(c.InputTokens),
				strconv.Itoa(c.OutputTokens),
				formatCost(c.Cost),
			})
		}
		if err := renderTable([]string{"Backend", "Calls", "Input", "Output", "Cost"}, rows); err != nil {
			return err
		}
		fmt.Println()
	}

	return renderJobs(jobs)
}

func renderJobs(jobs []*async.Job) error {
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		detail := j.CurrentStage
		if j.Status == async.JobStatusPublished {
			detail = j.PublishedLocation
		} else if j.Error != "" {
			detail = j.Error
		}
		rows = append(rows, []string{
			j.ID,
			truncate(j.Params.Topic, 40),
			j.Params.Site + "/" + j.Params.Language,
			string(j.Status),
			fmt.Sprintf("%d%%", j.Progress),
			truncate(detail, 48),
		})
	}
	return renderTable([]string{"ID", "Topic", "Site", "Status", "Progress", "Detail"}, rows)
}

func runBatchEnqueue(cmd *cobra.Command, args []string) error {
	return enqueueRemote(cmd, args[0])
}

func enqueueRemote(cmd *cobra.Command, batchID string) error {
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	var resp struct {
		Enqueued int `json:"enqueued"`
	}
	if err := client.do(cmd.Context(), "POST", "/api/batches/"+batchID+"/enqueue", "", nil, &resp); err != nil {
		return err
	}
	pterm.Success.Printf("Enqueued %d jobs of batch %s\n", resp.Enqueued, batchID)
	return nil
}

// parseLimit reads a USD amount, or "none" for no cap
func parseLimit(raw string) (*float64, error) {
	if strings.EqualFold(raw, "none") || strings.EqualFold(raw, "unlimited") {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid budget %q: want a USD amount or \"none\"", raw)
	}
	if v < 0 {
		return nil, errors.NewInvalidRequestError("budget must not be negative, got %s", raw)
	}
	return &v, nil
}

func runBatchBudget(cmd *cobra.Command, args []string) error {
	limit, err := parseLimit(args[1])
	if err != nil {
		return err
	}
	body, err := jsonBody(map[string]interface{}{"budget_limit": limit})
	if err != nil {
		return err
	}
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	var status budget.Status
	if err := client.do(cmd.Context(), "PATCH", "/api/batches/"+args[0]+"/budget", "application/json", body, &status); err != nil {
		return err
	}
	pterm.Success.Printf("Batch %s: spend %s of %s\n", args[0], formatCost(status.Spend), formatLimit(status.Limit))
	return nil
}
