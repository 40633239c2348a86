package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/opscart/kube-cost/pkg/models"
)

// WriteCSV writes counters as CSV, one row per counter.
func WriteCSV(writer io.Writer, counters []models.AggregateCounter) error {
	w := csv.NewWriter(writer)

	header := []string{
		"cluster",
		"namespace",
		"pod",
		"pod_uid",
		"deployment",
		"usage_cost",
		"wastage_cost",
		"as_of",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, c := range counters {
		row := []string{
			c.Cluster,
			c.Namespace,
			c.Pod,
			c.PodUID,
			c.Owner,
			strconv.FormatFloat(Round(c.UsageCost), 'f', 6, 64),
			strconv.FormatFloat(Round(c.WastageCost), 'f', 6, 64),
			c.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}
