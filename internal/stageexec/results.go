package stageexec

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/cbmeeks/machine/internal/artifact"
	"github.com/cbmeeks/machine/internal/descriptor"
)

// Status is the terminal state of a stage invocation.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Outcome is everything the executor learned from one invocation.
type Outcome struct {
	RunID    string
	Stage    string
	Source   string
	Status   Status
	Document descriptor.Document
	Artifact artifact.Artifact
	Elapsed  time.Duration
	// Err is the failure cause for failed and timed_out outcomes.
	Err error
	// Stderr is the tail of the worker's stderr.
	Stderr string
}

// Succeeded reports whether the stage committed its artifact.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSucceeded
}

// CacheResult is the result of the cache stage.
type CacheResult struct {
	URL         string        `json:"cache"`
	Fingerprint string        `json:"fingerprint"`
	Version     string        `json:"version"`
	Elapsed     time.Duration `json:"elapsed"`
}

// ConformResult is the result of the conform stage.
type ConformResult struct {
	URL     string        `json:"processed"`
	Elapsed time.Duration `json:"elapsed"`
}

// ExcerptResult is the result of the excerpt stage.
type ExcerptResult struct {
	SampleURL string  `json:"sample"`
	Rows      [][]any `json:"sample_data"`
}

// CacheResult projects the outcome of a cache invocation.
func (o Outcome) CacheResult() CacheResult {
	result := CacheResult{Elapsed: o.Elapsed}
	if o.Succeeded() {
		result.URL = o.Document.String(descriptor.FieldCache)
		result.Fingerprint = o.Document.String(descriptor.FieldFingerprint)
		result.Version = o.Document.String(descriptor.FieldVersion)
	}
	return result
}

// ConformResult projects the outcome of a conform invocation.
func (o Outcome) ConformResult() ConformResult {
	result := ConformResult{Elapsed: o.Elapsed}
	if o.Succeeded() {
		result.URL = o.Document.String(descriptor.FieldProcessed)
	}
	return result
}

// ExcerptResult projects the outcome of an excerpt invocation.
func (o Outcome) ExcerptResult() ExcerptResult {
	if !o.Succeeded() {
		return ExcerptResult{}
	}
	return ExcerptResult{
		SampleURL: o.Document.String(descriptor.FieldSample),
		Rows:      o.Document.SampleRows(),
	}
}

// StageLabel renders a stage name for operator-facing messages.
func StageLabel(stage string) string {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return ""
	}
	// Casers carry state; one per call keeps concurrent executors safe.
	return cases.Title(language.English).String(strings.ReplaceAll(stage, "_", " "))
}
