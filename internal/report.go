package internal

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/starford/fieldsmith/internal/models"
	"github.com/starford/fieldsmith/internal/noteservice"
)

// printSummary writes the end-of-run report.
func printSummary(w io.Writer, s *models.RunSummary) {
	if s == nil {
		return
	}
	mode := ""
	if s.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "Run %s%s: deck %q, task %q\n", s.RunID, mode, s.Deck, s.Task)
	fmt.Fprintf(w, "  notes found:    %d\n", s.Fetched)
	fmt.Fprintf(w, "  already done:   %d\n", s.AlreadyDone)
	fmt.Fprintf(w, "  updated:        %d\n", s.Success)
	fmt.Fprintf(w, "  skipped:        %d\n", s.Skipped)
	fmt.Fprintf(w, "  failed:         %d\n", s.Failed)
	fmt.Fprintf(w, "  elapsed:        %s\n", s.Elapsed.Round(time.Millisecond))

	switch {
	case s.Aborted:
		fmt.Fprintln(w, "  stopped: too many consecutive failures")
	case s.Interrupted:
		fmt.Fprintln(w, "  stopped: interrupted, rerun to resume")
	}

	for _, rec := range s.Records {
		if rec.Status != models.StatusFailed {
			continue
		}
		fmt.Fprintf(w, "  failed %d (%s): %s\n", rec.NoteID, rec.Ref, rec.Error)
	}
}

// printStatus writes a ledger summary.
func printStatus(w io.Writer, s *noteservice.Summary) {
	fmt.Fprintf(w, "Ledger %s\n", s.Path)
	fmt.Fprintf(w, "  deck %q, task %q\n", s.Deck, s.Task)
	if !s.FingerprintMatches && s.Total > 0 {
		fmt.Fprintln(w, "  task definition changed since the ledger was written")
	}
	if !s.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "  updated %s\n", s.UpdatedAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  records: %d\n", s.Total)

	statuses := make([]string, 0, len(s.Counts))
	for st := range s.Counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(w, "    %-8s %d\n", st, s.Counts[models.Status(st)])
	}
}
