package state_test

import (
	"errors"
	"testing"
	"time"

	"github.com/pipewright/pipewright/state"
)

func TestNewProjectState(t *testing.T) {
	ps := state.NewProjectState("proj-1", []string{"plan", "build", "review"})

	if ps.ProjectID != "proj-1" {
		t.Errorf("ProjectID = %q", ps.ProjectID)
	}
	if ps.OverallStatus != state.StatusInProgress {
		t.Errorf("OverallStatus = %q, want in_progress", ps.OverallStatus)
	}
	if len(ps.Stages) != 3 {
		t.Fatalf("stage count = %d, want 3", len(ps.Stages))
	}
	for name, st := range ps.Stages {
		if st.Status != state.StagePending {
			t.Errorf("stage %s status = %q, want pending", name, st.Status)
		}
	}
	if len(ps.StepsCompleted) != 0 {
		t.Errorf("StepsCompleted = %v, want empty", ps.StepsCompleted)
	}
}

func TestRecordStep_Idempotent(t *testing.T) {
	ps := state.NewProjectState("p", []string{"a"})

	ps.RecordStep("a")
	ps.RecordStep("a")

	if len(ps.StepsCompleted) != 1 {
		t.Errorf("StepsCompleted = %v, want exactly one entry", ps.StepsCompleted)
	}
	if !ps.StepDone("a") {
		t.Error("StepDone(a) = false after recording")
	}
	if ps.StepDone("b") {
		t.Error("StepDone(b) = true, never recorded")
	}
}

func TestDropStep(t *testing.T) {
	ps := state.NewProjectState("p", []string{"a", "b", "c"})
	for _, s := range []string{"a", "b", "c"} {
		ps.RecordStep(s)
	}

	ps.DropStep("b")

	if ps.StepDone("b") {
		t.Error("StepDone(b) = true after drop")
	}
	if !ps.StepDone("a") || !ps.StepDone("c") {
		t.Errorf("neighbors lost: %v", ps.StepsCompleted)
	}

	// Dropping an absent step is a no-op.
	ps.DropStep("never")
	if len(ps.StepsCompleted) != 2 {
		t.Errorf("StepsCompleted = %v, want 2 entries", ps.StepsCompleted)
	}
}

func TestRecompute(t *testing.T) {
	ps := state.NewProjectState("p", []string{"a", "b"})
	now := time.Now()

	if got := ps.Recompute(); got != state.StatusInProgress {
		t.Errorf("all pending: status = %q, want in_progress", got)
	}

	ps.Stages["a"].MarkStarted(now)
	ps.Stages["a"].MarkCompleted(now)
	if got := ps.Recompute(); got != state.StatusInProgress {
		t.Errorf("partial: status = %q, want in_progress", got)
	}

	ps.Stages["b"].MarkStarted(now)
	ps.Stages["b"].MarkCompleted(now)
	if got := ps.Recompute(); got != state.StatusCompleted {
		t.Errorf("all completed: status = %q, want completed", got)
	}

	ps.Stages["b"].MarkFailed(now, errors.New("broke"))
	if got := ps.Recompute(); got != state.StatusFailed {
		t.Errorf("one failed: status = %q, want failed", got)
	}
}

func TestStage_TimestampsMonotonic(t *testing.T) {
	st := &state.Stage{Name: "s", Status: state.StagePending}
	start := time.Now()

	st.MarkStarted(start)
	if st.StartedAt == nil || !st.StartedAt.Equal(start) {
		t.Fatalf("StartedAt = %v, want %v", st.StartedAt, start)
	}

	// StartedAt is stamped once even across restarts.
	st.MarkStarted(start.Add(time.Hour))
	if !st.StartedAt.Equal(start) {
		t.Errorf("StartedAt moved on second MarkStarted: %v", st.StartedAt)
	}

	// A completion clock reading before the start is clamped.
	st.MarkCompleted(start.Add(-time.Minute))
	if st.CompletedAt.Before(*st.StartedAt) {
		t.Errorf("CompletedAt %v precedes StartedAt %v", st.CompletedAt, st.StartedAt)
	}
}

func TestStage_MarkFailedRecordsErrors(t *testing.T) {
	st := &state.Stage{Name: "s"}
	now := time.Now()

	st.MarkStarted(now)
	st.MarkFailed(now, errors.New("first"))
	st.MarkFailed(now, errors.New("second"))

	if st.Status != state.StageFailed {
		t.Errorf("status = %q, want failed", st.Status)
	}
	if len(st.Errors) != 2 || st.Errors[0] != "first" || st.Errors[1] != "second" {
		t.Errorf("Errors = %v", st.Errors)
	}
}

func TestMerge(t *testing.T) {
	ps := state.NewProjectState("p", []string{"a"})
	ps.Data["keep"] = "old"
	ps.Data["replace"] = "old"

	ps.Merge(map[string]any{"replace": "new", "added": 1})

	if ps.Data["keep"] != "old" {
		t.Errorf("keep = %v", ps.Data["keep"])
	}
	if ps.Data["replace"] != "new" {
		t.Errorf("replace = %v, want new", ps.Data["replace"])
	}
	if ps.Data["added"] != 1 {
		t.Errorf("added = %v, want 1", ps.Data["added"])
	}
}
