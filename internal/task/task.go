// Package task defines the transcription task model and its status state
// machine. Statuses advance along a fixed chain; the only transition outside
// the chain is the failure edge reachable from every non-terminal status.
package task

import "time"

// Status represents task lifecycle status recorded in the store.
// Kept as string for readability in SQL and JSON.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusConverting    Status = "converting"
	StatusDenoising     Status = "denoising"
	StatusWaitingForASR Status = "waiting_for_asr"
	StatusTranscribing  Status = "transcribing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// chain is the forward stage order. failed is reachable from any
// non-terminal status and has no successor.
var chain = []Status{
	StatusQueued,
	StatusConverting,
	StatusDenoising,
	StatusWaitingForASR,
	StatusTranscribing,
	StatusCompleted,
}

// Next returns the successor of s in the stage chain, or false when s is
// terminal or unknown.
func Next(s Status) (Status, bool) {
	for i, st := range chain {
		if st == s && i+1 < len(chain) {
			return chain[i+1], true
		}
	}
	return "", false
}

// Terminal reports whether s is a final status.
func Terminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal edge: the next link
// of the chain, or any non-terminal status to failed.
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return !Terminal(from)
	}
	next, ok := Next(from)
	return ok && next == to
}

// Segment is one timed slice of the transcription, ordered by Start.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is present only in terminal states: transcription fields for
// completed, Error for failed.
type Result struct {
	Transcription string    `json:"transcription,omitempty"`
	Segments      []Segment `json:"segments,omitempty"`
	Language      string    `json:"language,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Task is the persisted representation of one transcription job.
type Task struct {
	ID          string    // opaque identifier, assigned at creation
	Filename    string    // original upload filename
	UploadPath  string    // stored upload on disk
	CallbackURL string    // optional webhook target, immutable
	Status      Status
	Result      *Result   // nil while non-terminal
	Version     int64     // bumped on every committed transition
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
