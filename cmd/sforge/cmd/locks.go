package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dmoren/styleforge/pkg/style"
)

var (
	lockModelID  string
	lockSteps    int
	lockCFGScale float64
	lockSeedBase int64
	lockWidth    int
	lockHeight   int
	lockSuffix   string
	lockSamples  []string
	lockApproved bool
)

// locksCmd represents the locks command
var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Manage locked style configurations",
	Long:  `Commands for creating, inspecting, and replacing the locked style parameters of a project.`,
}

// locksCreateCmd represents the locks create command
var locksCreateCmd = &cobra.Command{
	Use:   "create <project-id>",
	Short: "Lock style parameters for a project",
	Long: `Lock the generation parameters for a project. Once locked, every batch
for the project uses exactly these parameters. Use "locks relock" to replace
an existing lock.`,
	Args: cobra.ExactArgs(1),
	RunE: runLocksCreate,
}

// locksShowCmd represents the locks show command
var locksShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Show the lock record of a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runLocksShow,
}

// locksDeleteCmd represents the locks delete command
var locksDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Remove the lock record of a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runLocksDelete,
}

// locksRelockCmd represents the locks relock command
var locksRelockCmd = &cobra.Command{
	Use:   "relock <project-id>",
	Short: "Replace the lock record of a project",
	Long:  `Replace an existing lock with new parameters. Batches already running keep their original configuration.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runLocksRelock,
}

func init() {
	rootCmd.AddCommand(locksCmd)
	locksCmd.AddCommand(locksCreateCmd)
	locksCmd.AddCommand(locksShowCmd)
	locksCmd.AddCommand(locksDeleteCmd)
	locksCmd.AddCommand(locksRelockCmd)

	for _, c := range []*cobra.Command{locksCreateCmd, locksRelockCmd} {
		c.Flags().StringVar(&lockModelID, "model", "", "generation model identifier (required)")
		c.Flags().IntVar(&lockSteps, "steps", 30, "sampling steps")
		c.Flags().Float64Var(&lockCFGScale, "cfg-scale", 7.5, "classifier-free guidance scale")
		c.Flags().Int64Var(&lockSeedBase, "seed-base", 0, "base seed for deterministic generation")
		c.Flags().IntVar(&lockWidth, "width", 1024, "output width in pixels")
		c.Flags().IntVar(&lockHeight, "height", 1024, "output height in pixels")
		c.Flags().StringVar(&lockSuffix, "suffix", "", "style prompt suffix appended to every job prompt")
		c.Flags().StringArrayVar(&lockSamples, "sample", nil, "validation sample artifact ref (repeatable, first is the scoring baseline)")
		c.Flags().BoolVar(&lockApproved, "approved", false, "mark the lock approved for batch use")
		c.MarkFlagRequired("model")
	}
}

// lockPayload matches the daemon's lock creation body
type lockPayload struct {
	ModelID           string   `json:"model_id"`
	Steps             int      `json:"steps"`
	CFGScale          float64  `json:"cfg_scale"`
	SeedBase          int64    `json:"seed_base"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	StylePromptSuffix string   `json:"style_prompt_suffix"`
	ValidationSamples []string `json:"validation_samples"`
	Approved          bool     `json:"approved"`
}

func lockBodyFromFlags() ([]byte, error) {
	return json.Marshal(lockPayload{
		ModelID:           lockModelID,
		Steps:             lockSteps,
		CFGScale:          lockCFGScale,
		SeedBase:          lockSeedBase,
		Width:             lockWidth,
		Height:            lockHeight,
		StylePromptSuffix: lockSuffix,
		ValidationSamples: lockSamples,
		Approved:          lockApproved,
	})
}

func runLocksCreate(cmd *cobra.Command, args []string) error {
	body, err := lockBodyFromFlags()
	if err != nil {
		return err
	}

	req, err := CreateAuthenticatedRequest("POST", GetServerURL()+"/projects/"+args[0]+"/lock", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}

	var rec style.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return err
	}

	fmt.Printf("Locked project %s (approved: %v)\n", rec.ProjectID, rec.Approved)
	return nil
}

func runLocksShow(cmd *cobra.Command, args []string) error {
	req, err := CreateAuthenticatedRequest("GET", GetServerURL()+"/projects/"+args[0]+"/lock", nil)
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

	var rec style.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return err
	}

	if IsJSONOutput() {
		out, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	printLockRecord(&rec)
	return nil
}

func runLocksDelete(cmd *cobra.Command, args []string) error {
	req, err := CreateAuthenticatedRequest("DELETE", GetServerURL()+"/projects/"+args[0]+"/lock", nil)
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
	fmt.Printf("Unlocked project %s\n", args[0])
	return nil
}

func runLocksRelock(cmd *cobra.Command, args []string) error {
	body, err := lockBodyFromFlags()
	if err != nil {
		return err
	}

	req, err := CreateAuthenticatedRequest("POST", GetServerURL()+"/projects/"+args[0]+"/relock", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var result struct {
		Record   *style.Record `json:"record"`
		Previous *style.Record `json:"previous"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}

	fmt.Printf("Relocked project %s (previous model: %s, new model: %s)\n",
		args[0], result.Previous.ModelID, result.Record.ModelID)
	return nil
}

func printLockRecord(rec *style.Record) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Parameter", "Value")
	table.Append("Project", rec.ProjectID)
	table.Append("Model", rec.ModelID)
	table.Append("Steps", fmt.Sprintf("%d", rec.Steps))
	table.Append("CFG Scale", fmt.Sprintf("%.2f", rec.CFGScale))
	table.Append("Seed Base", fmt.Sprintf("%d", rec.SeedBase))
	table.Append("Resolution", fmt.Sprintf("%dx%d", rec.Width, rec.Height))
	table.Append("Style Suffix", rec.StylePromptSuffix)
	table.Append("Samples", fmt.Sprintf("%d", len(rec.ValidationSamples)))
	table.Append("Approved", fmt.Sprintf("%v", rec.Approved))
	table.Append("Locked", rec.LockedDate.Format(time.RFC3339))
	table.Render()
}
