// Simple Git CI/CD is a single-node continuous-integration dispatcher.
// Copyright (C) 2026 Kaligraphy247
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package cicd holds the data model shared by every component of the
// dispatcher: projects, jobs and their step logs.
package cicd

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxOutputSize is the cap, in bytes, on a Job's composite output before
// truncation.
const MaxOutputSize = 1024 * 1024

// outputTruncatedMarker is appended when a Job's output is truncated.
const outputTruncatedMarker = "\n... (output truncated)"

// maxCommitMessageLen is the cap on Job.CommitMessage before truncation.
const maxCommitMessageLen = 500

// commitMessageTruncatedMarker is appended when CommitMessage is truncated.
const commitMessageTruncatedMarker = "... (truncated)"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Valid reports whether s is one of the known JobStatus values.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobSuccess, JobFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

func (s JobStatus) String() string { return string(s) }

// StepStatus is the lifecycle state of a JobLog (step) row.
type StepStatus string

const (
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

func (s StepStatus) String() string { return string(s) }

// StepKind names the pipeline stage a JobLog row corresponds to.
type StepKind string

const (
	StepGitFetch    StepKind = "git_fetch"
	StepGitReset    StepKind = "git_reset"
	StepGitSwitch   StepKind = "git_switch"
	StepGitPull     StepKind = "git_pull"
	StepPreScript   StepKind = "pre_script"
	StepMainScript  StepKind = "main_script"
	StepPostSuccess StepKind = "post_success"
	StepPostFailure StepKind = "post_failure"
	StepPostScript  StepKind = "post_script"
	StepPostAlways  StepKind = "post_always"
)

func (k StepKind) String() string { return string(k) }

// Job is one attempt to run a Project's pipeline for one push.
type Job struct {
	ID               string     `json:"id" db:"id"`
	ProjectName      string     `json:"project_name" db:"project_name"`
	Branch           string     `json:"branch" db:"branch"`
	CommitSHA        *string    `json:"commit_sha,omitempty" db:"commit_sha"`
	CommitMessage    *string    `json:"commit_message,omitempty" db:"commit_message"`
	CommitAuthor     *string    `json:"commit_author,omitempty" db:"commit_author_name"`
	Status           JobStatus  `json:"status" db:"status"`
	StartedAt        time.Time  `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Output           *string    `json:"output,omitempty" db:"output"`
	OutputTruncated  bool       `json:"output_truncated" db:"output_truncated"`
	Error            *string    `json:"error,omitempty" db:"error"`
	DurationMillis   *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
}

// WebhookData is the information extracted from a push payload, carried
// alongside the matched Project into the pipeline runner.
type WebhookData struct {
	CommitSHA         string
	CommitMessage     string
	CommitAuthorName  string
	CommitAuthorEmail string
	PusherName        string
	RepositoryURL     string
}

// NewJob constructs a Job in the Queued state from a matched project, branch
// and the webhook data derived from the push payload. The commit message is
// truncated to maxCommitMessageLen, matching the Job Store's contract for
// the Job entity as a whole.
func NewJob(projectName, branch string, wh WebhookData) *Job {
	job := &Job{
		ID:          newJobID(),
		ProjectName: projectName,
		Branch:      branch,
		Status:      JobQueued,
		StartedAt:   time.Now().UTC(),
	}
	if wh.CommitSHA != "" {
		sha := wh.CommitSHA
		job.CommitSHA = &sha
	}
	if wh.CommitMessage != "" {
		msg := TruncateCommitMessage(wh.CommitMessage)
		job.CommitMessage = &msg
	}
	if wh.CommitAuthorName != "" {
		author := wh.CommitAuthorName
		job.CommitAuthor = &author
	}
	return job
}

// newJobID generates a time-ordered, lexicographically sortable job ID.
// UUIDv7 embeds a millisecond Unix timestamp in its leading bits, so two IDs
// generated in creation order also sort in that order as strings. Falls back
// to a random UUIDv4 only if the v7 generator itself fails, which the uuid
// package documents as occurring solely on a broken entropy source.
func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// TruncateCommitMessage caps msg at maxCommitMessageLen runes, appending a
// trailing marker when truncation occurs.
func TruncateCommitMessage(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxCommitMessageLen {
		return msg
	}
	return string(runes[:maxCommitMessageLen]) + commitMessageTruncatedMarker
}

// TruncateOutput caps output at MaxOutputSize bytes, appending a trailing
// marker and reporting whether truncation occurred.
func TruncateOutput(output string) (truncated string, wasTruncated bool) {
	if len(output) <= MaxOutputSize {
		return output, false
	}
	return output[:MaxOutputSize] + outputTruncatedMarker, true
}

// MarkSuccess finalizes the job as Success, truncating output if needed.
func (j *Job) MarkSuccess(output string, completedAt time.Time) {
	out, truncated := TruncateOutput(output)
	j.Status = JobSuccess
	j.Output = &out
	j.OutputTruncated = truncated
	j.Error = nil
	j.CompletedAt = &completedAt
}

// MarkFailed finalizes the job as Failed with a human-readable error summary
// and whatever composite output had been captured before the failure.
func (j *Job) MarkFailed(output, errMsg string, completedAt time.Time) {
	var outPtr *string
	if output != "" {
		out, truncated := TruncateOutput(output)
		outPtr = &out
		j.OutputTruncated = truncated
	}
	j.Status = JobFailed
	j.Output = outPtr
	msg := errMsg
	j.Error = &msg
	j.CompletedAt = &completedAt
}

// JobLog is one subprocess invocation within a Job, with its own timing and
// captured output.
type JobLog struct {
	ID           int64      `json:"id" db:"id"`
	JobID        string     `json:"job_id" db:"job_id"`
	Sequence     int        `json:"sequence" db:"sequence"`
	LogType      StepKind   `json:"log_type" db:"log_type"`
	Command      *string    `json:"command,omitempty" db:"command"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs   *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
	ExitCode     *int       `json:"exit_code,omitempty" db:"exit_code"`
	Output       *string    `json:"output,omitempty" db:"output"`
	Status       StepStatus `json:"status" db:"status"`
}

// Project is a declarative binding of a repository name and allowed branch
// set to a local working copy and a command pipeline.
type Project struct {
	Name               string            `toml:"name"`
	RepoPath           string            `toml:"repo_path"`
	Branches           []string          `toml:"branches"`
	RunScript          string            `toml:"run_script"`
	BranchScripts      map[string]string `toml:"branch_scripts"`
	WithWebhookSecret  bool              `toml:"with_webhook_secret"`
	WebhookSecret      string            `toml:"webhook_secret"`
	ResetToRemote      *bool             `toml:"reset_to_remote"`
	PreScript          string            `toml:"pre_script"`
	PostScript         string            `toml:"post_script"`
	PostSuccessScript  string            `toml:"post_success_script"`
	PostFailureScript  string            `toml:"post_failure_script"`
	PostAlwaysScript   string            `toml:"post_always_script"`
	RateLimitRequests  int               `toml:"rate_limit_requests"`
	RateLimitWindowSec int               `toml:"rate_limit_window_seconds"`
}

// ResetsToRemote returns the effective reset_to_remote policy, defaulting to
// true when unset.
func (p Project) ResetsToRemote() bool {
	if p.ResetToRemote == nil {
		return true
	}
	return *p.ResetToRemote
}

// RateLimit returns the effective (requests, window) pair, applying the
// spec's defaults of 60 requests per 60-second window.
func (p Project) RateLimit() (requests int, windowSeconds int) {
	requests = p.RateLimitRequests
	if requests <= 0 {
		requests = 60
	}
	windowSeconds = p.RateLimitWindowSec
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return requests, windowSeconds
}

// MatchesBranch reports whether branch is among the project's accepted
// branches.
func (p Project) MatchesBranch(branch string) bool {
	for _, b := range p.Branches {
		if b == branch {
			return true
		}
	}
	return false
}

// ScriptForBranch returns the command line to run as the main step for the
// given branch: the branch override if configured, else the default
// run_script.
func (p Project) ScriptForBranch(branch string) string {
	if override, ok := p.BranchScripts[branch]; ok && strings.TrimSpace(override) != "" {
		return override
	}
	return p.RunScript
}
