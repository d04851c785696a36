package models

import "time"

// RunSummary aggregates the outcome of one pipeline run.
type RunSummary struct {
	RunID       string        `json:"run_id"`
	Deck        string        `json:"deck"`
	Task        string        `json:"task"`
	DryRun      bool          `json:"dry_run"`
	Fetched     int           `json:"fetched"`
	AlreadyDone int           `json:"already_done"`
	Success     int           `json:"success"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Aborted     bool          `json:"aborted"`
	Interrupted bool          `json:"interrupted"`
	StartedAt   time.Time     `json:"started_at"`
	Elapsed     time.Duration `json:"elapsed"`
	Records     []Record      `json:"records"`
}

// Add counts rec in the summary.
func (s *RunSummary) Add(rec Record) {
	switch rec.Status {
	case StatusSuccess:
		s.Success++
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
	s.Records = append(s.Records, rec)
}

// Processed returns the number of notes carried through the pipeline in this run.
func (s *RunSummary) Processed() int {
	return s.Success + s.Skipped + s.Failed
}
