package ingestion

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Stage is a job's position in the pipeline. Progression is forward-only:
// job_validated → parsing → parsed → parse_validated → chunking → chunked →
// embedding → embedded. Deadlettered jobs carry a failed_* marker instead.
type Stage string

const (
	StageJobValidated   Stage = "job_validated"
	StageParsing        Stage = "parsing"
	StageParsed         Stage = "parsed"
	StageParseValidated Stage = "parse_validated"
	StageChunking       Stage = "chunking"
	StageChunked        Stage = "chunked"
	StageEmbedding      Stage = "embedding"
	StageEmbedded       Stage = "embedded"

	// Failure markers written on deadletter; the document status mirrors them.
	StageFailedParse     Stage = "failed_parse"
	StageFailedChunking  Stage = "failed_chunking"
	StageFailedEmbedding Stage = "failed_embedding"
	StageFailedUnknown   Stage = "failed_unknown"
)

// stageOrder is the forward progression of a healthy job.
var stageOrder = []Stage{
	StageJobValidated,
	StageParsing,
	StageParsed,
	StageParseValidated,
	StageChunking,
	StageChunked,
	StageEmbedding,
	StageEmbedded,
}

// Index returns the stage's position in the forward progression,
// or -1 for failure markers and unknown values.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s in the forward progression.
// ok is false at the end of the progression and for failure markers.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(stageOrder) {
		return s, false
	}
	return stageOrder[i+1], true
}

// AtOrPast reports whether s has reached the given stage in the progression.
func (s Stage) AtOrPast(other Stage) bool {
	i, j := s.Index(), other.Index()
	return i >= 0 && j >= 0 && i >= j
}

// Failed reports whether s is one of the failure markers.
func (s Stage) Failed() bool {
	switch s {
	case StageFailedParse, StageFailedChunking, StageFailedEmbedding, StageFailedUnknown:
		return true
	}
	return false
}

// FailureMarker maps the stage a job was working when it deadlettered to
// the marker recorded on both the job and the document.
func FailureMarker(s Stage) Stage {
	switch s {
	case StageJobValidated, StageParsing, StageParsed:
		return StageFailedParse
	case StageParseValidated, StageChunking:
		return StageFailedChunking
	case StageChunked, StageEmbedding:
		return StageFailedEmbedding
	default:
		return StageFailedUnknown
	}
}

// ParseStage validates a stage name from configuration or query input.
func ParseStage(s string) (Stage, bool) {
	st := Stage(s)
	if st.Index() >= 0 || st.Failed() {
		return st, true
	}
	return "", false
}

// State is a job's queue state, orthogonal to its stage.
type State string

const (
	StateQueued     State = "queued"
	StateWorking    State = "working"
	StateRetryable  State = "retryable"
	StateDone       State = "done"
	StateDeadletter State = "deadletter"
)

// Terminal reports whether the state is final. Terminal jobs are immutable.
func (s State) Terminal() bool {
	return s == StateDone || s == StateDeadletter
}

// JobError is the structured last_error payload persisted on a job.
// RetryAt lives here so the lease query can filter retryable jobs with a
// single jsonb extraction.
type JobError struct {
	Kind      ErrorKind  `json:"kind"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
	RetryAt   *time.Time `json:"retry_at,omitempty"`
}

// Scan implements sql.Scanner for JobError
func (e *JobError) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, e)
}

// Payload carries stage parameters fixed at job creation so a job outlives
// configuration changes (a chunker upgrade must not re-chunk in-flight jobs
// under a different identity).
type Payload struct {
	ChunkerName    string `json:"chunker_name,omitempty"`
	ChunkerVersion int    `json:"chunker_version,omitempty"`
}

// Scan implements sql.Scanner for Payload
func (p *Payload) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, p)
}

// Job represents one row of the ingestion_jobs queue.
type Job struct {
	bun.BaseModel `bun:"table:ingestion_jobs,alias:j"`

	ID         uuid.UUID `bun:"id,pk,type:uuid"`
	DocumentID uuid.UUID `bun:"document_id,notnull,type:uuid"`

	Stage Stage `bun:"stage,notnull,default:'job_validated'"`
	State State `bun:"state,notnull,default:'queued'"`

	RetryCount int       `bun:"retry_count,notnull,default:0"`
	LastError  *JobError `bun:"last_error,type:jsonb"`
	Payload    Payload   `bun:"payload,type:jsonb"`

	// Progress counters written by the chunking and embedding handlers
	ChunksTotal int `bun:"chunks_total,notnull,default:0"`
	ChunksDone  int `bun:"chunks_done,notnull,default:0"`
	EmbedsTotal int `bun:"embeds_total,notnull,default:0"`
	EmbedsDone  int `bun:"embeds_done,notnull,default:0"`

	StartedAt   *time.Time `bun:"started_at"`
	CompletedAt *time.Time `bun:"completed_at"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:now()"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull,default:now()"`
}

// NewJob builds a queued job at the initial stage for a freshly admitted
// document.
func NewJob(documentID uuid.UUID, payload Payload) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.New(),
		DocumentID: documentID,
		Stage:      StageJobValidated,
		State:      StateQueued,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewTerminalJob builds an already-done job anchored at the terminal stage.
// Intake creates these when a duplicate resolves to content that needs no
// reprocessing, so inspection immediately reports the job as complete.
func NewTerminalJob(documentID uuid.UUID, terminal Stage, payload Payload) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.New(),
		DocumentID:  documentID,
		Stage:       terminal,
		State:       StateDone,
		Payload:     payload,
		StartedAt:   &now,
		CompletedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Progress is the named-counter map surfaced by job inspection.
type Progress struct {
	ChunksTotal int `json:"chunks_total"`
	ChunksDone  int `json:"chunks_done"`
	EmbedsTotal int `json:"embeds_total"`
	EmbedsDone  int `json:"embeds_done"`
}

// Progress collects the job's counters.
func (j *Job) Progress() Progress {
	return Progress{
		ChunksTotal: j.ChunksTotal,
		ChunksDone:  j.ChunksDone,
		EmbedsTotal: j.EmbedsTotal,
		EmbedsDone:  j.EmbedsDone,
	}
}

// JobDTO is the job inspection response shape.
type JobDTO struct {
	JobID      string    `json:"job_id"`
	DocumentID string    `json:"document_id"`
	Stage      Stage     `json:"stage"`
	State      State     `json:"state"`
	RetryCount int       `json:"retry_count"`
	Progress   Progress  `json:"progress"`
	LastError  *JobError `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ToDTO converts a Job to its inspection response shape.
func (j *Job) ToDTO() *JobDTO {
	return &JobDTO{
		JobID:      j.ID.String(),
		DocumentID: j.DocumentID.String(),
		Stage:      j.Stage,
		State:      j.State,
		RetryCount: j.RetryCount,
		Progress:   j.Progress(),
		LastError:  j.LastError,
		UpdatedAt:  j.UpdatedAt,
	}
}
