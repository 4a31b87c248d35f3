package model

import (
	"fmt"
	"time"
)

// FailureKind classifies why a fetch could not produce a record.
type FailureKind string

const (
	FailureNotFound     FailureKind = "not_found"    // upstream does not know the city
	FailureUnauthorized FailureKind = "unauthorized" // credentials rejected
	FailureRateLimited  FailureKind = "rate_limited" // upstream throttled us
	FailureTimeout      FailureKind = "timeout"      // deadline exceeded or ctx canceled
	FailureMalformed    FailureKind = "malformed"    // payload did not parse or failed validation
	FailureUnavailable  FailureKind = "unavailable"  // 5xx, connection refused, breaker open
)

// FetchTask is one unit of work for the fetcher: ask one source for one city.
type FetchTask struct {
	ID     string     `json:"id"`
	Source SourceKind `json:"source"`
	City   string     `json:"city"`
}

// FetchFailure is a failed fetch carried as data. It implements error so
// adapters can return it directly, but the fetcher never propagates it as
// an error: failures ride inside the FetchOutcome next to successes.
type FetchFailure struct {
	Task    FetchTask   `json:"task"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
	cause   error
}

// NewFetchFailure builds a failure for task with the given classification.
// The cause is retained for logging but excluded from serialization.
func NewFetchFailure(task FetchTask, kind FailureKind, cause error) *FetchFailure {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &FetchFailure{
		Task:    task,
		Kind:    kind,
		Message: msg,
		At:      time.Now().UTC(),
		cause:   cause,
	}
}

func (f *FetchFailure) Error() string {
	return fmt.Sprintf("fetch %s/%s: %s: %s", f.Task.Source, f.Task.City, f.Kind, f.Message)
}

func (f *FetchFailure) Unwrap() error { return f.cause }

// FetchOutcome is the result of exactly one task: a record on success, a
// failure otherwise. Exactly one of Record and Failure is set. A fetch cycle
// produces one outcome per task; nothing is silently dropped.
type FetchOutcome struct {
	Task    FetchTask          `json:"task"`
	Record  *ObservationRecord `json:"record,omitempty"`
	Failure *FetchFailure      `json:"failure,omitempty"`
}

// OK reports whether the task produced a record.
func (o FetchOutcome) OK() bool {
	return o.Failure == nil && o.Record != nil
}

// Partition splits outcomes into shippable records and failures, preserving
// outcome order within each side.
func Partition(outcomes []FetchOutcome) ([]ObservationRecord, []*FetchFailure) {
	records := make([]ObservationRecord, 0, len(outcomes))
	failures := make([]*FetchFailure, 0)
	for _, o := range outcomes {
		if o.OK() {
			records = append(records, *o.Record)
		} else if o.Failure != nil {
			failures = append(failures, o.Failure)
		}
	}
	return records, failures
}
