package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"foreman/internal/domain"
)

func TestTaskTransitionTable(t *testing.T) {
	statuses := []string{domain.TaskPending, domain.TaskAssigned, domain.TaskInProgress, domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled}
	allowed := map[string][]string{
		domain.TaskPending:    {domain.TaskAssigned, domain.TaskInProgress, domain.TaskCancelled},
		domain.TaskAssigned:   {domain.TaskInProgress, domain.TaskCancelled},
		domain.TaskInProgress: {domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled},
		domain.TaskCompleted:  {domain.TaskCancelled},
		domain.TaskFailed:     {domain.TaskPending, domain.TaskCancelled},
		domain.TaskCancelled:  {domain.TaskPending},
	}
	for _, from := range statuses {
		for _, to := range statuses {
			err := ensureTaskTransition(from, to)
			if contains(allowed[from], to) {
				assert.NoError(t, err, "%s -> %s", from, to)
				continue
			}
			assert.True(t, errors.Is(err, ErrInvalidTransition), "%s -> %s should be rejected", from, to)
		}
	}
}

func TestPlanTransitionTable(t *testing.T) {
	statuses := []string{domain.PlanDraft, domain.PlanPendingPMApproval, domain.PlanApproved, domain.PlanRejected}
	allowed := map[string][]string{
		domain.PlanDraft:             {domain.PlanPendingPMApproval},
		domain.PlanPendingPMApproval: {domain.PlanApproved, domain.PlanRejected},
	}
	for _, from := range statuses {
		for _, to := range statuses {
			err := ensurePlanTransition(from, to)
			if contains(allowed[from], to) {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestSubtaskTransitionTable(t *testing.T) {
	statuses := []string{domain.SubtaskPending, domain.SubtaskDraftGenerated, domain.SubtaskInReview, domain.SubtaskApproved,
		domain.SubtaskFinalized, domain.SubtaskRejected, domain.SubtaskFailed}
	allowed := map[string][]string{
		domain.SubtaskPending:        {domain.SubtaskDraftGenerated, domain.SubtaskFailed},
		domain.SubtaskDraftGenerated: {domain.SubtaskDraftGenerated, domain.SubtaskInReview, domain.SubtaskFinalized, domain.SubtaskFailed},
		domain.SubtaskInReview:       {domain.SubtaskApproved, domain.SubtaskFinalized, domain.SubtaskRejected, domain.SubtaskFailed},
		domain.SubtaskApproved:       {domain.SubtaskFinalized},
		domain.SubtaskFailed:         {domain.SubtaskDraftGenerated},
	}
	for _, from := range statuses {
		for _, to := range statuses {
			err := ensureSubtaskTransition(from, to)
			if contains(allowed[from], to) {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestEnterPendingResetsExecutionState(t *testing.T) {
	done := "2024-01-01T00:00:00Z"
	task := domain.Task{Status: domain.TaskFailed, Progress: 0.4, Error: "boom", Result: []byte(`{}`), StartedAt: &done, CompletedAt: &done}
	assert.NoError(t, enterTaskStatus(&task, domain.TaskPending, "2024-01-02T00:00:00Z"))
	assert.Zero(t, task.Progress)
	assert.Empty(t, task.Error)
	assert.Nil(t, task.Result)
	assert.Nil(t, task.CompletedAt)
	assert.Nil(t, task.StartedAt)

	err := enterTaskStatus(&domain.Task{}, domain.TaskAssigned, done)
	var ve ValidationError
	assert.ErrorAs(t, err, &ve)
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
