package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dmoren/styleforge/pkg/batch"
	"github.com/dmoren/styleforge/pkg/models"
)

var (
	// Batch submit flags
	batchProject       string
	batchJobsFile      string
	batchPrompts       []string
	batchCategory      string
	perAssetThreshold  float64
	batchThreshold     float64
	defaultThresholds  bool

	// Batch status flags
	followBatch bool
)

// batchesCmd represents the batches command
var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Manage generation batches",
	Long:  `Commands for submitting, inspecting, and canceling generation batches on the styleforge daemon.`,
}

// batchesSubmitCmd represents the batches submit command
var batchesSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new batch",
	Long: `Submit a batch of generation jobs for a locked project.

Jobs come either from a JSON file (--jobs-file) holding a list of
{"category": ..., "prompt": ...} entries, or from repeated --prompt flags
combined with a single --category.`,
	RunE: runBatchesSubmit,
}

// batchesStatusCmd represents the batches status command
var batchesStatusCmd = &cobra.Command{
	Use:   "status [batch-id]",
	Short: "Get batch status",
	Long:  `Retrieve the status and aggregate report of a batch. If no ID is provided, lists all batches.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBatchesStatus,
}

// batchesCancelCmd represents the batches cancel command
var batchesCancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel a running batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchesCancel,
}

// batchesJobsCmd represents the batches jobs command
var batchesJobsCmd = &cobra.Command{
	Use:   "jobs <batch-id>",
	Short: "List the jobs of a batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchesJobs,
}

func init() {
	rootCmd.AddCommand(batchesCmd)
	batchesCmd.AddCommand(batchesSubmitCmd)
	batchesCmd.AddCommand(batchesStatusCmd)
	batchesCmd.AddCommand(batchesCancelCmd)
	batchesCmd.AddCommand(batchesJobsCmd)

	batchesSubmitCmd.Flags().StringVar(&batchProject, "project", "", "project ID holding the locked style (required)")
	batchesSubmitCmd.Flags().StringVar(&batchJobsFile, "jobs-file", "", "JSON file with the job list")
	batchesSubmitCmd.Flags().StringArrayVar(&batchPrompts, "prompt", nil, "job prompt (repeatable)")
	batchesSubmitCmd.Flags().StringVar(&batchCategory, "category", "character", "category for --prompt jobs (character, environment, ui, prop)")
	batchesSubmitCmd.Flags().Float64Var(&perAssetThreshold, "per-asset-threshold", 8.5, "per-asset consistency gate")
	batchesSubmitCmd.Flags().Float64Var(&batchThreshold, "batch-threshold", 9.0, "batch mean score gate")
	batchesSubmitCmd.Flags().BoolVar(&defaultThresholds, "default-thresholds", false, "use the daemon's default thresholds")
	batchesSubmitCmd.MarkFlagRequired("project")

	batchesStatusCmd.Flags().BoolVar(&followBatch, "follow", false, "poll batch status every 2 seconds until completion")
}

func runBatchesSubmit(cmd *cobra.Command, args []string) error {
	req := models.BatchRequest{ProjectID: batchProject}

	if batchJobsFile != "" {
		data, err := os.ReadFile(batchJobsFile)
		if err != nil {
			return fmt.Errorf("failed to read jobs file: %w", err)
		}
		if err := json.Unmarshal(data, &req.Jobs); err != nil {
			return fmt.Errorf("failed to parse jobs file: %w", err)
		}
	} else {
		for _, p := range batchPrompts {
			req.Jobs = append(req.Jobs, models.JobRequest{
				Category: models.Category(batchCategory),
				Prompt:   p,
			})
		}
	}
	if len(req.Jobs) == 0 {
		return fmt.Errorf("no jobs given: use --jobs-file or --prompt")
	}
	if !defaultThresholds {
		req.Thresholds = &models.Thresholds{PerAsset: perAssetThreshold, Batch: batchThreshold}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := CreateAuthenticatedRequest("POST", GetServerURL()+"/batches", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}

	var b models.BatchRun
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return err
	}

	fmt.Printf("Batch submitted: %s (%d jobs)\n", b.ID, len(b.JobIDs))
	return nil
}

// batchStatus mirrors the daemon's batch status payload
type batchStatus struct {
	Batch   models.BatchRun `json:"batch"`
	Summary batch.Summary   `json:"summary"`
}

func runBatchesStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listBatches()
	}

	for {
		status, err := fetchBatchStatus(args[0])
		if err != nil {
			return err
		}

		if IsJSONOutput() {
			out, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(out))
		} else {
			printBatchStatus(status)
		}

		if !followBatch || status.Batch.Terminal() {
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

func fetchBatchStatus(id string) (*batchStatus, error) {
	req, err := CreateAuthenticatedRequest("GET", GetServerURL()+"/batches/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var status batchStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

func printBatchStatus(status *batchStatus) {
	b := status.Batch
	fmt.Printf("Batch:     %s\n", b.ID)
	fmt.Printf("Project:   %s\n", b.ProjectID)
	fmt.Printf("Status:    %s\n", b.Status)
	fmt.Printf("Aggregate: %.2f (gate %.2f)\n", b.AggregateScore, b.Thresholds.Batch)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Category", "Total", "Succeeded", "Failed", "Mean Score")
	for cat, stats := range status.Summary.PerCategory {
		table.Append(
			string(cat),
			fmt.Sprintf("%d", stats.Total),
			fmt.Sprintf("%d", stats.Succeeded),
			fmt.Sprintf("%d", stats.Failed),
			fmt.Sprintf("%.2f", stats.MeanScore),
		)
	}
	table.Render()
}

func listBatches() error {
	req, err := CreateAuthenticatedRequest("GET", GetServerURL()+"/batches", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var batches []models.BatchRun
	if err := json.NewDecoder(resp.Body).Decode(&batches); err != nil {
		return err
	}

	if IsJSONOutput() {
		out, _ := json.MarshalIndent(batches, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Project", "Status", "Jobs", "Score", "Started")
	for _, b := range batches {
		table.Append(
			b.ID,
			b.ProjectID,
			string(b.Status),
			fmt.Sprintf("%d", len(b.JobIDs)),
			fmt.Sprintf("%.2f", b.AggregateScore),
			b.StartedAt.Format(time.RFC3339),
		)
	}
	table.Render()
	return nil
}

func runBatchesCancel(cmd *cobra.Command, args []string) error {
	req, err := CreateAuthenticatedRequest("POST", GetServerURL()+"/batches/"+args[0]+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return apiError(resp)
	}
	fmt.Printf("Batch %s canceling\n", args[0])
	return nil
}

func runBatchesJobs(cmd *cobra.Command, args []string) error {
	req, err := CreateAuthenticatedRequest("GET", GetServerURL()+"/batches/"+args[0]+"/jobs", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var jobs []models.GenerationJob
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return err
	}

	if IsJSONOutput() {
		out, _ := json.MarshalIndent(jobs, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Category", "Status", "Attempts", "Score", "Error")
	for _, j := range jobs {
		score := "-"
		if sc := j.LatestScore(); sc != nil {
			score = fmt.Sprintf("%.2f", sc.Score)
		}
		table.Append(
			j.ID,
			string(j.Category),
			string(j.Status),
			fmt.Sprintf("%d/%d", j.AttemptCount, j.MaxAttempts),
			score,
			j.Error,
		)
	}
	table.Render()
	return nil
}

// apiError turns a non-success response into a readable error
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("daemon returned %d", resp.StatusCode)
}
