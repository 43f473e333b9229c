// Package events carries typed progress notifications from the scraper
// workers to a single observer, with optional file and log sinks.
package events

import (
	"time"
)

// Kind tags the event taxonomy.
type Kind string

const (
	KindPipelineState   Kind = "pipeline_state"
	KindArticleCount    Kind = "article_count"
	KindContentProgress Kind = "content_progress"
	KindBatchCompleted  Kind = "batch_completed"
)

// Stage is a pipeline lifecycle state.
type Stage string

const (
	StagePending        Stage = "pending"
	StageSearching      Stage = "searching"
	StageFetching       Stage = "fetching"
	StageFiltering      Stage = "filtering"
	StageFetchingBodies Stage = "fetching_bodies"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
	StageCancelled      Stage = "cancelled"
)

// Event is the single wire form for all progress notifications. Fields
// not meaningful for a kind stay zero and are omitted from JSON output.
type Event struct {
	Kind      Kind      `json:"kind"`
	RunID     string    `json:"run_id,omitempty"`
	Publisher string    `json:"publisher,omitempty"`
	Stage     Stage     `json:"stage,omitempty"`
	Current   int       `json:"current,omitempty"`
	Total     int       `json:"total"`
	Delta     int       `json:"delta,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PipelineState reports a stage transition for one publisher.
func PipelineState(publisher string, stage Stage, message string) Event {
	return Event{
		Kind:      KindPipelineState,
		Publisher: publisher,
		Stage:     stage,
		Message:   message,
	}
}

// ArticleCount reports the aggregate record total across all pipelines.
// Delta is the change since the previous report; negative for filters.
func ArticleCount(total, delta int, message string) Event {
	return Event{
		Kind:    KindArticleCount,
		Total:   total,
		Delta:   delta,
		Message: message,
	}
}

// ContentProgress reports deterministic progress through one
// publisher's body-fetch phase.
func ContentProgress(publisher string, current, total int, message string) Event {
	return Event{
		Kind:      KindContentProgress,
		Publisher: publisher,
		Current:   current,
		Total:     total,
		Message:   message,
	}
}

// BatchCompleted is the final event of a run, emitted even after
// cancellation, with the count of records actually returned.
func BatchCompleted(total int) Event {
	return Event{
		Kind:  KindBatchCompleted,
		Total: total,
	}
}
