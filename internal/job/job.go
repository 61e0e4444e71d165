package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/shroud/internal/pipeline"
	"github.com/andresmejia3/shroud/internal/video"
	"github.com/google/uuid"
)

type Kind string

const (
	KindStream Kind = "stream"
	KindFile   Kind = "file"
)

// Request names what to process. Name overrides the name derived from Source.
type Request struct {
	Source   string
	Name     string
	CameraID *int64
}

// Outcome is the final word on a job, available once Done is closed.
type Outcome struct {
	State    State
	Stats    pipeline.Stats
	Duration float64 // seconds of video written, 0 when the source fps is unknown
	Reason   string
	Err      error // Initializing error for Failed jobs

	RecordID  int64
	RecordErr error
}

// Status is a point-in-time copy of a job, safe to hand to other goroutines.
type Status struct {
	ID          uuid.UUID `json:"id"`
	Kind        Kind      `json:"kind"`
	Source      string    `json:"source"`
	SourceName  string    `json:"source_name"`
	CameraID    *int64    `json:"camera_id,omitempty"`
	State       State     `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	TotalFrames int       `json:"total_frames,omitempty"`

	Processed       int `json:"processed_frames"`
	Sampled         int `json:"sampled_frames"`
	Faces           int `json:"faces_detected"`
	Plates          int `json:"plates_detected"`
	DetectionErrors int `json:"detection_errors"`

	OutputPath string    `json:"output_path,omitempty"`
	Thumbnail  string    `json:"thumbnail,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
}

// Job is mutated only by its runner goroutine; everything else reads through Status.
type Job struct {
	ID         uuid.UUID
	Kind       Kind
	Source     string
	SourceName string
	CameraID   *int64

	mu         sync.RWMutex
	state      State
	stats      pipeline.Stats
	geometry   video.Geometry
	outputPath string
	reason     string
	startedAt  time.Time
	endedAt    time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
}

func newJob(kind Kind, req Request, name string, now time.Time) *Job {
	return &Job{
		ID:         uuid.New(),
		Kind:       kind,
		Source:     req.Source,
		SourceName: name,
		CameraID:   req.CameraID,
		state:      Initializing,
		startedAt:  now,
		done:       make(chan struct{}),
	}
}

// Done is closed once the job reached Completed or Failed.
func (j *Job) Done() <-chan struct{} { return j.done }

// Outcome blocks until the job is done.
func (j *Job) Outcome() Outcome {
	<-j.done
	return j.outcome
}

// Wait blocks until the job is done or ctx expires.
func (j *Job) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-j.done:
		return j.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Status{
		ID:              j.ID,
		Kind:            j.Kind,
		Source:          j.Source,
		SourceName:      j.SourceName,
		CameraID:        j.CameraID,
		State:           j.state,
		Reason:          j.reason,
		TotalFrames:     j.geometry.FrameCount,
		Processed:       j.stats.Processed,
		Sampled:         j.stats.Sampled,
		Faces:           j.stats.Faces,
		Plates:          j.stats.Plates,
		DetectionErrors: j.stats.DetectionErrors,
		OutputPath:      j.outputPath,
		Thumbnail:       j.stats.Thumbnail,
		StartedAt:       j.startedAt,
		EndedAt:         j.endedAt,
	}
}

func (j *Job) transition(to State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !canTransition(j.state, to) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.state, to)
	}
	j.state = to
	return nil
}

func (j *Job) setStats(s pipeline.Stats) {
	j.mu.Lock()
	j.stats = s
	j.mu.Unlock()
}

// settle records the outcome. Done is closed separately, after observers have seen the final state.
func (j *Job) settle(o Outcome, at time.Time) {
	j.mu.Lock()
	j.endedAt = at
	j.reason = o.Reason
	j.outcome = o
	j.mu.Unlock()
}
