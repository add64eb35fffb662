// Package state defines the project state model shared by every run and
// the cycle-safe conversion used to persist it. A project's live state
// is owned by its run for the duration of the run and written through
// to the store after every stage transition, so a restarted process can
// resume from the last durable document.
package state

import "time"

// StageStatus is the lifecycle state of one pipeline stage.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// Status is the overall progression of a project.
type Status string

const (
	StatusInProgress     Status = "in_progress"
	StatusAwaitingReview Status = "awaiting_review"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusAborted        Status = "aborted"
)

// Stage tracks the progression of one named pipeline step.
// Timestamps are monotonically non-decreasing: CompletedAt is never
// before StartedAt.
type Stage struct {
	Name        string         `json:"name"`
	Status      StageStatus    `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LastOutput  map[string]any `json:"last_output,omitempty"`
	Errors      []string       `json:"errors,omitempty"`
}

// MarkStarted transitions the stage to in_progress and stamps
// StartedAt on the first transition only.
func (s *Stage) MarkStarted(now time.Time) {
	s.Status = StageInProgress
	if s.StartedAt == nil {
		t := now
		s.StartedAt = &t
	}
}

// MarkCompleted transitions the stage to completed. The completion
// timestamp never precedes the start timestamp.
func (s *Stage) MarkCompleted(now time.Time) {
	s.Status = StageCompleted
	if s.StartedAt != nil && now.Before(*s.StartedAt) {
		now = *s.StartedAt
	}
	t := now
	s.CompletedAt = &t
}

// MarkFailed transitions the stage to failed and records the error.
func (s *Stage) MarkFailed(now time.Time, err error) {
	s.Status = StageFailed
	if err != nil {
		s.Errors = append(s.Errors, err.Error())
	}
	if s.StartedAt != nil && now.Before(*s.StartedAt) {
		now = *s.StartedAt
	}
	t := now
	s.CompletedAt = &t
}

// ProjectState is the live progression record for one project. It is
// mutated only by the owning run; external callers go through the
// engine's entry points.
type ProjectState struct {
	ProjectID      string            `json:"project_id"`
	CurrentStage   string            `json:"current_stage,omitempty"`
	StepsCompleted []string          `json:"steps_completed"`
	Stages         map[string]*Stage `json:"stages"`
	OverallStatus  Status            `json:"overall_status"`

	// Data is the shared mutable mapping that stage adapters consume
	// and produce. Adapter results are merged into it after each stage.
	Data map[string]any `json:"data,omitempty"`
}

// NewProjectState creates an empty state for the given pipeline.
// Every named stage starts pending.
func NewProjectState(projectID string, pipeline []string) *ProjectState {
	stages := make(map[string]*Stage, len(pipeline))
	for _, name := range pipeline {
		stages[name] = &Stage{Name: name, Status: StagePending}
	}
	return &ProjectState{
		ProjectID:      projectID,
		StepsCompleted: []string{},
		Stages:         stages,
		OverallStatus:  StatusInProgress,
		Data:           make(map[string]any),
	}
}

// StepDone reports whether the named stage is already recorded in the
// completed-steps list.
func (p *ProjectState) StepDone(name string) bool {
	for _, s := range p.StepsCompleted {
		if s == name {
			return true
		}
	}
	return false
}

// RecordStep appends the stage name to the completed-steps list if it
// is not already present.
func (p *ProjectState) RecordStep(name string) {
	if !p.StepDone(name) {
		p.StepsCompleted = append(p.StepsCompleted, name)
	}
}

// DropStep removes the stage name from the completed-steps list, so a
// restarted run re-executes it. Used by the retry_agent resolution.
func (p *ProjectState) DropStep(name string) {
	for i, s := range p.StepsCompleted {
		if s == name {
			p.StepsCompleted = append(p.StepsCompleted[:i], p.StepsCompleted[i+1:]...)
			return
		}
	}
}

// Recompute derives the overall status from the stage map: completed
// iff every stage is completed, failed if any stage is failed,
// otherwise in_progress. Terminal run statuses (aborted) are set by the
// run, not derived here.
func (p *ProjectState) Recompute() Status {
	allDone := true
	for _, st := range p.Stages {
		switch st.Status {
		case StageFailed:
			p.OverallStatus = StatusFailed
			return p.OverallStatus
		case StageCompleted:
		default:
			allDone = false
		}
	}
	if allDone && len(p.Stages) > 0 {
		p.OverallStatus = StatusCompleted
	} else {
		p.OverallStatus = StatusInProgress
	}
	return p.OverallStatus
}

// Merge copies the adapter result mapping into the shared data,
// overwriting existing keys. Nested values are replaced wholesale, the
// way the upstream adapters expect.
func (p *ProjectState) Merge(result map[string]any) {
	if p.Data == nil {
		p.Data = make(map[string]any, len(result))
	}
	for k, v := range result {
		p.Data[k] = v
	}
}

// Document is the persisted shape for one project: the state, the run
// status, the append-only log lines shown to the user, and the save
// timestamp stamped by the store.
type Document struct {
	State     *ProjectState `json:"state"`
	Status    Status        `json:"status"`
	Logs      []string      `json:"logs"`
	LastSaved time.Time     `json:"last_saved"`
}

// Clone deep-copies the structured parts of the document so a caller
// can mutate its copy without racing against a store's cached original.
// Values inside the data mappings are shared; after normalization they
// are immutable JSON-safe primitives.
func (d *Document) Clone() *Document {
	out := *d
	out.Logs = append([]string(nil), d.Logs...)
	if d.State == nil {
		return &out
	}

	st := *d.State
	st.StepsCompleted = append([]string(nil), d.State.StepsCompleted...)
	st.Data = copyMap(d.State.Data)
	st.Stages = make(map[string]*Stage, len(d.State.Stages))
	for name, s := range d.State.Stages {
		cp := *s
		cp.Errors = append([]string(nil), s.Errors...)
		cp.LastOutput = copyMap(s.LastOutput)
		st.Stages[name] = &cp
	}
	out.State = &st
	return &out
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
