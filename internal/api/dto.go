package api

import (
	"github.com/starford/fieldsmith/internal/models"
	"github.com/starford/fieldsmith/internal/noteservice"
	"github.com/starford/fieldsmith/internal/task"
)

// SummaryResponse is the ledger summary (aliased from the domain layer).
type SummaryResponse = noteservice.Summary

// PreviewResponse is a rendered prompt (aliased from the domain layer).
type PreviewResponse = noteservice.Preview

// RecordListResponse wraps paginated record listings.
type RecordListResponse struct {
	Records []models.Record `json:"records" validate:"required"`
	Total   int             `json:"total" example:"42" validate:"required"`
}

// TaskResponse describes the active task.
type TaskResponse struct {
	Name        string             `json:"name" example:"enhancer" validate:"required"`
	Deck        string             `json:"deck" example:"JP::Core" validate:"required"`
	Model       string             `json:"model" example:"phi4-reasoning" validate:"required"`
	RefField    string             `json:"ref_field" example:"Sentence"`
	Inputs      []task.InputField  `json:"inputs" validate:"required"`
	Outputs     []task.OutputField `json:"outputs" validate:"required"`
	Fingerprint string             `json:"fingerprint" validate:"required"`
	DryRun      bool               `json:"dry_run"`
}

func newTaskResponse(t *task.PromptTask) TaskResponse {
	return TaskResponse{
		Name:        t.Name(),
		Deck:        t.Deck(),
		Model:       t.Model(),
		RefField:    t.RefField(),
		Inputs:      t.Inputs(),
		Outputs:     t.Outputs(),
		Fingerprint: t.Fingerprint(),
		DryRun:      t.DryRun(),
	}
}
