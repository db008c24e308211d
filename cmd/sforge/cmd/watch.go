package cmd

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

var (
	watchMetricsURL string
	watchInterval   time.Duration
	watchOnce       bool
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch daemon scheduler metrics",
	Long: `Poll the daemon's Prometheus metrics endpoint and display the scheduler
gauges and counters: jobs in flight, queue depth, attempt dispositions, and
batch verdicts.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchMetricsURL, "metrics-url", "http://localhost:9090/metrics", "daemon metrics endpoint")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "polling interval")
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "print one snapshot and exit")
}

func runWatch(cmd *cobra.Command, args []string) error {
	for {
		families, err := scrapeMetrics(watchMetricsURL)
		if err != nil {
			return err
		}

		printMetricsSnapshot(families)

		if watchOnce {
			return nil
		}
		time.Sleep(watchInterval)
	}
}

func scrapeMetrics(url string) (map[string]*dto.MetricFamily, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to scrape metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}
	return families, nil
}

func printMetricsSnapshot(families map[string]*dto.MetricFamily) {
	fmt.Printf("--- %s ---\n", time.Now().Format("15:04:05"))

	if g := gaugeValue(families, "styleforge_jobs_in_flight"); g >= 0 {
		fmt.Printf("Jobs in flight: %.0f\n", g)
	}
	if g := gaugeValue(families, "styleforge_queue_depth"); g >= 0 {
		fmt.Printf("Queue depth:    %.0f\n", g)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Label", "Value")
	appendCounterRows(table, families, "styleforge_attempts_total", "disposition")
	appendCounterRows(table, families, "styleforge_batches_total", "verdict")
	table.Render()
	fmt.Println()
}

// gaugeValue returns the value of a single-sample gauge, or -1 if absent
func gaugeValue(families map[string]*dto.MetricFamily, name string) float64 {
	mf, ok := families[name]
	if !ok || len(mf.Metric) == 0 || mf.Metric[0].Gauge == nil {
		return -1
	}
	return mf.Metric[0].Gauge.GetValue()
}

func appendCounterRows(table *tablewriter.Table, families map[string]*dto.MetricFamily, name, label string) {
	mf, ok := families[name]
	if !ok {
		return
	}

	type row struct {
		label string
		value float64
	}
	var rows []row
	for _, m := range mf.Metric {
		if m.Counter == nil {
			continue
		}
		lv := "-"
		for _, lp := range m.Label {
			if lp.GetName() == label {
				lv = lp.GetValue()
			}
		}
		rows = append(rows, row{label: lv, value: m.Counter.GetValue()})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].label < rows[j].label })

	short := strings.TrimPrefix(name, "styleforge_")
	for _, r := range rows {
		table.Append(short, r.label, fmt.Sprintf("%.0f", r.value))
	}
}
