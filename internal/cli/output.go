// Package cli provides CLI output utilities for Local Recall.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/localrecall/localrecall/internal/models"
	"github.com/localrecall/localrecall/pkg/utils"
)

// OutputFormat is the format for CLI output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// WriteSnippets writes search results to w in the given format.
// Use OutputJSON for parseable output consumable by other apps.
func WriteSnippets(w io.Writer, query string, snippets []models.RetrievedSnippet, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"query":   query,
			"results": snippets,
			"count":   len(snippets),
		})
	}
	fmt.Fprintf(w, "\nFound %d results for %q\n\n", len(snippets), query)
	for i, s := range snippets {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Score: %.4f | ID: %d\n", i+1, s.Score, s.EntryID)
		if s.Source != "" {
			fmt.Fprintf(w, "Source: %s\n", s.Source)
		}
		fmt.Fprintf(w, "Captured: %s\n", s.Timestamp.Format("2006-01-02 15:04"))
		fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(s.Text, 200))
	}
	return nil
}

// WriteAnswer writes a generated answer with its sources to w.
func WriteAnswer(w io.Writer, answer *models.Answer, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(answer)
	}
	fmt.Fprintf(w, "\n%s\n", answer.Answer)
	if len(answer.Sources) > 0 {
		fmt.Fprintf(w, "\nSources:\n")
		for _, src := range answer.Sources {
			fmt.Fprintf(w, "  [%d] score %.4f", src.ID, src.Score)
			if src.Source != "" {
				fmt.Fprintf(w, " (%s)", src.Source)
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

// WriteEntry writes a captured entry confirmation to w.
func WriteEntry(w io.Writer, entry *models.Entry, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entry)
	}
	fmt.Fprintf(w, "Captured entry %d", entry.ID)
	if len(entry.Tags) > 0 {
		fmt.Fprintf(w, " [%s]", utils.JoinTags(entry.Tags))
	}
	fmt.Fprintln(w)
	return nil
}
