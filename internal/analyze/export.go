package analyze

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/inferlab/model-profiler/pkg/metrics"
)

func (r *Report) serverGPURecords() [][]string {
	records := [][]string{ServerGPUHeader}
	for _, row := range r.ServerGPU {
		records = append(records, []string{
			row.UUID,
			fmt.Sprintf("%.1f", row.AvgUtil),
			fmt.Sprintf("%.1f", row.MaxMemUsedMiB),
			fmt.Sprintf("%.1f", row.MinMemFreeMiB),
			fmt.Sprintf("%.1f", row.MaxBAR1MiB),
		})
	}
	return records
}

func (r *Report) modelGPURecords() [][]string {
	records := [][]string{ModelGPUHeader}
	for _, row := range r.ModelGPU {
		records = append(records, []string{
			row.Config.ModelName,
			fmt.Sprintf("%d", row.Config.BatchSize),
			concurrencyColumn(row.Config),
			fmt.Sprintf("%d", row.Config.InstanceCount),
			row.UUID,
			fmt.Sprintf("%.1f", row.AvgUtil),
			fmt.Sprintf("%.1f", row.MaxMemUsedMiB),
		})
	}
	return records
}

func (r *Report) inferenceRecords() [][]string {
	records := [][]string{InferenceHeader}
	for _, row := range r.Inference {
		records = append(records, []string{
			row.Config.ModelName,
			fmt.Sprintf("%d", row.Config.BatchSize),
			concurrencyColumn(row.Config),
			fmt.Sprintf("%d", row.Config.InstanceCount),
			fmt.Sprintf("%.1f", row.Throughput),
			fmt.Sprintf("%.2f", row.LatencyMS[metrics.LatencyP50]),
			fmt.Sprintf("%.2f", row.LatencyMS[metrics.LatencyP95]),
			fmt.Sprintf("%.2f", row.LatencyMS[metrics.LatencyP99]),
		})
	}
	return records
}

// WriteTables renders all three tables as aligned text.
func (r *Report) WriteTables(w io.Writer) error {
	sections := []struct {
		title   string
		records [][]string
	}{
		{"Server-only GPU metrics", r.serverGPURecords()},
		{"Per-model GPU metrics", r.modelGPURecords()},
		{"Per-model inference metrics", r.inferenceRecords()},
	}
	for _, sec := range sections {
		if _, err := fmt.Fprintf(w, "%s:\n", sec.title); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, rec := range sec.records {
			for i, col := range rec {
				if i > 0 {
					fmt.Fprint(tw, "\t")
				}
				fmt.Fprint(tw, col)
			}
			fmt.Fprintln(tw)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	return nil
}

// ExportCSV writes the three tables as CSV files into dir. Every write is
// flushed immediately so a crash loses at most the current row.
func (r *Report) ExportCSV(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create export dir %s: %w", dir, err)
	}
	files := map[string][][]string{
		"metrics-server-gpu.csv":      r.serverGPURecords(),
		"metrics-model-gpu.csv":       r.modelGPURecords(),
		"metrics-model-inference.csv": r.inferenceRecords(),
	}
	for name, records := range files {
		if err := writeCSV(filepath.Join(dir, name), records); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		w.Flush()
	}
	return w.Error()
}
