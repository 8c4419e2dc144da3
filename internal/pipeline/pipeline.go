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

// Package pipeline executes a Project's configured build pipeline against a
// single push: updating the local working copy, then running the
// pre/main/post script sequence and recording each step.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/Kaligraphy247/simple-git-cicd/internal/eventbus"
	"github.com/Kaligraphy247/simple-git-cicd/internal/metrics"
	"github.com/Kaligraphy247/simple-git-cicd/pkg/cicd"
)

// Mode selects whether steps actually invoke subprocesses or are recorded as
// skipped without touching the working copy or running any script.
type Mode int

const (
	// Execute runs every configured step for real.
	Execute Mode = iota
	// DryRun records one skipped step per stage with no subprocess calls.
	DryRun
)

func (m Mode) String() string {
	if m == DryRun {
		return "dry-run"
	}
	return "execute"
}

const dryRunOutput = "[DRY_RUN] Skipped"

// Store is the subset of the job store the runner needs to persist step
// rows as they execute.
type Store interface {
	AddLog(ctx context.Context, log *cicd.JobLog) (int64, error)
	UpdateLog(ctx context.Context, id int64, completedAt time.Time, durationMs int64, exitCode int, output string, status cicd.StepStatus) error
}

// Publisher is the subset of the event bus the runner needs to stream log
// chunks as steps complete.
type Publisher interface {
	PublishLogChunk(eventbus.LogChunk)
}

// Result is the outcome of running a full pipeline.
type Result struct {
	// Output is the composite, newline-joined output of every step that ran.
	Output string
	// Success reports the terminal status of the main script. Meaningless
	// when Run also returns a non-nil error: a fatal step aborted the
	// pipeline before the main script ran.
	Success bool
	// ErrorSummary is a human-readable failure summary for Job.Error, set
	// whenever Success is false: either the main script's own outcome, or
	// (when Run itself returns a non-nil error) left empty since the caller
	// already has that error to summarize.
	ErrorSummary string
}

// Runner executes a Project's pipeline for one Job.
type Runner struct {
	store  Store
	bus    Publisher
	logger *slog.Logger
}

// New builds a Runner. store and bus may be nil, in which case persistence
// and event broadcast are skipped (useful in tests that only care about
// subprocess behavior).
func New(store Store, bus Publisher, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, bus: bus, logger: logger}
}

// Run executes project's pipeline for jobID in the given mode, returning the
// composite output and whether the main script succeeded. A non-nil error
// means a fatal step (a git operation, or a pre_script) aborted the pipeline
// before the main script ran; Result.Success is false in that case.
func (r *Runner) Run(ctx context.Context, project cicd.Project, branch string, wh cicd.WebhookData, jobID string, mode Mode) (Result, error) {
	run := &pipelineRun{
		runner:  r,
		project: project,
		branch:  branch,
		wh:      wh,
		jobID:   jobID,
		mode:    mode,
	}
	return run.execute(ctx)
}

type pipelineRun struct {
	runner  *Runner
	project cicd.Project
	branch  string
	wh      cicd.WebhookData
	jobID   string
	mode    Mode

	sequence int
	output   strings.Builder
}

func (pr *pipelineRun) execute(ctx context.Context) (Result, error) {
	if err := pr.step(ctx, cicd.StepGitFetch, []string{"git", "fetch"}, nil, true); err != nil {
		return Result{Output: pr.output.String()}, err
	}

	if pr.project.ResetsToRemote() {
		target := "origin/" + pr.branch
		if err := pr.step(ctx, cicd.StepGitReset, []string{"git", "reset", "--hard", target}, nil, true); err != nil {
			return Result{Output: pr.output.String()}, err
		}
	} else {
		if err := pr.step(ctx, cicd.StepGitSwitch, []string{"git", "switch", pr.branch}, nil, true); err != nil {
			return Result{Output: pr.output.String()}, err
		}
		if err := pr.step(ctx, cicd.StepGitPull, []string{"git", "pull"}, nil, true); err != nil {
			return Result{Output: pr.output.String()}, err
		}
	}

	env := pr.scriptEnv()

	if cmd := strings.TrimSpace(pr.project.PreScript); cmd != "" {
		if err := pr.step(ctx, cicd.StepPreScript, splitCommand(cmd), env, true); err != nil {
			return Result{Output: pr.output.String()}, err
		}
	}

	mainCmd := strings.TrimSpace(pr.project.ScriptForBranch(pr.branch))
	mainOutcome := pr.runStep(ctx, cicd.StepMainScript, splitCommand(mainCmd), env)
	pr.record(mainOutcome)

	postEnv := append(append([]string{}, env...), fmt.Sprintf("CICD_MAIN_SCRIPT_EXIT_CODE=%d", mainOutcome.exitCode))

	pr.runPostHooks(ctx, mainOutcome.success, postEnv)

	if cmd := strings.TrimSpace(pr.project.PostAlwaysScript); cmd != "" {
		outcome := pr.runStep(ctx, cicd.StepPostAlways, splitCommand(cmd), postEnv)
		pr.record(outcome)
	}

	result := Result{Output: pr.output.String(), Success: mainOutcome.success}
	if !mainOutcome.success {
		result.ErrorSummary = fmt.Sprintf("main_script: exited with code %d", mainOutcome.exitCode)
	}
	return result, nil
}

// runPostHooks runs the success or failure hook, falling back to the shared
// post_script when the specific one isn't configured. Success and failure
// hooks are mutually exclusive; their failures never abort the pipeline.
func (pr *pipelineRun) runPostHooks(ctx context.Context, mainSucceeded bool, env []string) {
	if mainSucceeded {
		if cmd := strings.TrimSpace(pr.project.PostSuccessScript); cmd != "" {
			pr.record(pr.runStep(ctx, cicd.StepPostSuccess, splitCommand(cmd), env))
			return
		}
	} else {
		if cmd := strings.TrimSpace(pr.project.PostFailureScript); cmd != "" {
			pr.record(pr.runStep(ctx, cicd.StepPostFailure, splitCommand(cmd), env))
			return
		}
	}
	if cmd := strings.TrimSpace(pr.project.PostScript); cmd != "" {
		pr.record(pr.runStep(ctx, cicd.StepPostScript, splitCommand(cmd), env))
	}
}

// step runs a fatal stage: a non-zero exit or execution error aborts the
// pipeline by returning a GitOperationFailed/ScriptExecutionFailed error.
func (pr *pipelineRun) step(ctx context.Context, kind cicd.StepKind, argv []string, env []string, fatal bool) error {
	outcome := pr.runStep(ctx, kind, argv, env)
	pr.record(outcome)
	if fatal && !outcome.success {
		kindErr := cicd.ErrGitOperationFailed
		if kind == cicd.StepPreScript {
			kindErr = cicd.ErrScriptExecutionFail
		}
		return cicd.NewOpError(kindErr, string(kind), fmt.Errorf("exit code %d", outcome.exitCode))
	}
	return nil
}

type outcome struct {
	kind     cicd.StepKind
	success  bool
	exitCode int
	output   string
}

func (pr *pipelineRun) record(o outcome) {
	if pr.output.Len() > 0 {
		pr.output.WriteString("\n")
	}
	pr.output.WriteString(fmt.Sprintf("--- %s ---\n%s", o.kind, o.output))
}

// runStep persists the step's running row, executes it (or synthesizes a
// dry-run result), persists completion, and publishes a log chunk.
func (pr *pipelineRun) runStep(ctx context.Context, kind cicd.StepKind, argv []string, env []string) outcome {
	pr.sequence++
	seq := pr.sequence
	startedAt := time.Now().UTC()

	cmdLine := strings.Join(argv, " ")
	logID := pr.addLog(ctx, seq, kind, cmdLine, startedAt)

	if pr.mode == DryRun {
		completedAt := time.Now().UTC()
		pr.updateLog(ctx, logID, completedAt, 0, 0, dryRunOutput, cicd.StepSkipped)
		pr.publish(kind, dryRunOutput)
		return outcome{kind: kind, success: true, exitCode: 0, output: dryRunOutput}
	}

	output, exitCode, execErr := runCommand(ctx, pr.project.RepoPath, argv, env)
	completedAt := time.Now().UTC()
	duration := completedAt.Sub(startedAt)
	durationMs := duration.Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	metrics.ObserveStep(string(kind), duration)

	status := cicd.StepSuccess
	success := exitCode == 0 && execErr == nil
	if !success {
		status = cicd.StepFailed
	}
	if execErr != nil {
		output = output + "\n" + execErr.Error()
	}

	pr.updateLog(ctx, logID, completedAt, durationMs, exitCode, output, status)
	pr.publish(kind, output)

	return outcome{kind: kind, success: success, exitCode: exitCode, output: output}
}

func (pr *pipelineRun) addLog(ctx context.Context, seq int, kind cicd.StepKind, cmdLine string, startedAt time.Time) int64 {
	if pr.runner.store == nil {
		return 0
	}
	log := &cicd.JobLog{
		JobID:     pr.jobID,
		Sequence:  seq,
		LogType:   kind,
		Command:   &cmdLine,
		StartedAt: startedAt,
	}
	id, err := pr.runner.store.AddLog(ctx, log)
	if err != nil {
		pr.runner.logger.Warn("failed to persist step log", slog.String("job_id", pr.jobID), slog.String("step", string(kind)), slog.Any("error", err))
		return 0
	}
	return id
}

func (pr *pipelineRun) updateLog(ctx context.Context, id int64, completedAt time.Time, durationMs int64, exitCode int, output string, status cicd.StepStatus) {
	if pr.runner.store == nil || id == 0 {
		return
	}
	if err := pr.runner.store.UpdateLog(ctx, id, completedAt, durationMs, exitCode, output, status); err != nil {
		pr.runner.logger.Warn("failed to update step log", slog.String("job_id", pr.jobID), slog.Int64("log_id", id), slog.Any("error", err))
	}
}

func (pr *pipelineRun) publish(kind cicd.StepKind, chunk string) {
	if pr.runner.bus == nil {
		return
	}
	pr.runner.bus.PublishLogChunk(eventbus.LogChunk{
		JobID:     pr.jobID,
		StepType:  string(kind),
		Chunk:     chunk,
		Timestamp: time.Now().UTC(),
	})
}

// scriptEnv builds the env vars injected into user scripts. CICD_PROJECT_NAME,
// CICD_BRANCH and CICD_REPO_PATH are always present; the commit/pusher
// variables are included only when the webhook payload actually carried that
// field, per spec §4.E.
func (pr *pipelineRun) scriptEnv() []string {
	wh := pr.wh
	env := []string{
		"CICD_PROJECT_NAME=" + pr.project.Name,
		"CICD_BRANCH=" + pr.branch,
		"CICD_REPO_PATH=" + pr.project.RepoPath,
	}
	add := func(key, val string) {
		if val != "" {
			env = append(env, key+"="+val)
		}
	}
	add("CICD_COMMIT_SHA", wh.CommitSHA)
	add("CICD_COMMIT_MESSAGE", wh.CommitMessage)
	add("CICD_COMMIT_AUTHOR_NAME", wh.CommitAuthorName)
	add("CICD_COMMIT_AUTHOR_EMAIL", wh.CommitAuthorEmail)
	add("CICD_PUSHER_NAME", wh.PusherName)
	add("CICD_REPOSITORY_URL", wh.RepositoryURL)
	return env
}

// splitCommand breaks a user script line into argv by whitespace; no shell
// is invoked, so quoting and pipelines are not interpreted.
func splitCommand(cmd string) []string {
	return strings.Fields(cmd)
}

// runCommand executes argv[0] with argv[1:] as arguments, in dir, with env
// appended to the process environment. stdout and stderr are captured and
// concatenated (stdout, a newline, then stderr if non-empty). The returned
// error is non-nil only when the process could not be started or waited on;
// a non-zero exit is reported purely via exitCode.
func runCommand(ctx context.Context, dir string, argv []string, env []string) (output string, exitCode int, err error) {
	if len(argv) == 0 {
		return "", -1, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = append(cmd.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	combined := stdout.String()
	if stderr.Len() > 0 {
		if combined != "" {
			combined += "\n"
		}
		combined += stderr.String()
	}

	if runErr == nil {
		return combined, 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return combined, exitErr.ExitCode(), nil
	}

	return combined, -1, runErr
}
