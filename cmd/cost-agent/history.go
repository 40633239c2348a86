package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/opscart/kube-cost/pkg/exporter"
	"github.com/opscart/kube-cost/pkg/storage"
)

func printHistory(w io.Writer, namespace string, records []storage.StoredRecord, output string) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "text", "":
	default:
		return fmt.Errorf("unknown output format: %s", output)
	}

	if len(records) == 0 {
		fmt.Fprintf(w, "No cost records found for namespace: %s\n", namespace)
		return nil
	}

	fmt.Fprintf(w, "Recent cost records for namespace '%s':\n\n", namespace)
	for i, rec := range records {
		owner := rec.Owner
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(w, "%d. %s (cluster: %s, owner: %s)\n", i+1, rec.Pod.Name, rec.ClusterName, owner)
		fmt.Fprintf(w, "   Window: %s -> %s\n",
			rec.WindowStart.UTC().Format("2006-01-02 15:04:05"), rec.WindowEnd.UTC().Format("15:04:05"))
		fmt.Fprintf(w, "   Usage: $%.6f  Wastage: $%.6f (%s)\n",
			exporter.Round(rec.UsageCost), exporter.Round(rec.WastageCost), rec.UsageBasis)
		if rec.PriceStale {
			fmt.Fprintln(w, "   Price: stale")
		}
		fmt.Fprintln(w)
	}
	return nil
}
