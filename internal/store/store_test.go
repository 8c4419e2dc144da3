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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Kaligraphy247/simple-git-cicd/pkg/cicd"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := cicd.NewJob("demo", "main", cicd.WebhookData{CommitSHA: "abc123", CommitMessage: "initial commit"})
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != cicd.JobQueued {
		t.Fatalf("Status = %q, want queued", got.Status)
	}
	if got.CommitSHA == nil || *got.CommitSHA != "abc123" {
		t.Fatalf("CommitSHA = %v, want abc123", got.CommitSHA)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJob(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("GetJob error = %v, want ErrNotFound", err)
	}
}

func TestUpdateJobStatusNoOpWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateJobStatus(context.Background(), "missing", cicd.JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus on absent job should be a silent no-op, got %v", err)
	}
}

func TestCompleteJobComputesDuration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := cicd.NewJob("demo", "main", cicd.WebhookData{})
	job.StartedAt = time.Now().UTC().Add(-2 * time.Second)
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJobStatus(ctx, job.ID, cicd.JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	out := "all good"
	completedAt := time.Now().UTC()
	if err := s.CompleteJob(ctx, job.ID, cicd.JobSuccess, &out, nil, completedAt); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != cicd.JobSuccess {
		t.Fatalf("Status = %q, want success", got.Status)
	}
	if got.DurationMillis == nil || *got.DurationMillis < 1900 {
		t.Fatalf("DurationMillis = %v, want >= ~2000", got.DurationMillis)
	}
	if got.Output == nil || *got.Output != out {
		t.Fatalf("Output = %v, want %q", got.Output, out)
	}
}

func TestCompleteJobClampsNegativeDuration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := cicd.NewJob("demo", "main", cicd.WebhookData{})
	job.StartedAt = time.Now().UTC().Add(5 * time.Second)
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	out := "fast"
	if err := s.CompleteJob(ctx, job.ID, cicd.JobSuccess, &out, nil, time.Now().UTC()); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.DurationMillis == nil || *got.DurationMillis != 0 {
		t.Fatalf("DurationMillis = %v, want clamped to 0", got.DurationMillis)
	}
}

func TestAddAndUpdateLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := cicd.NewJob("demo", "main", cicd.WebhookData{})
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	cmd := "git fetch origin"
	id, err := s.AddLog(ctx, &cicd.JobLog{
		JobID:     job.ID,
		Sequence:  1,
		LogType:   cicd.StepGitFetch,
		Command:   &cmd,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AddLog: %v", err)
	}
	if id == 0 {
		t.Fatalf("AddLog returned id 0")
	}

	if err := s.UpdateLog(ctx, id, time.Now().UTC(), 42, 0, "up to date", cicd.StepSuccess); err != nil {
		t.Fatalf("UpdateLog: %v", err)
	}

	logs, err := s.GetJobLogs(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("GetJobLogs returned %d rows, want 1", len(logs))
	}
	if logs[0].Status != cicd.StepSuccess {
		t.Fatalf("Status = %q, want success", logs[0].Status)
	}
	if logs[0].ExitCode == nil || *logs[0].ExitCode != 0 {
		t.Fatalf("ExitCode = %v, want 0", logs[0].ExitCode)
	}
}

func TestGetJobLogsOrderedBySequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := cicd.NewJob("demo", "main", cicd.WebhookData{})
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	kinds := []cicd.StepKind{cicd.StepGitFetch, cicd.StepGitReset, cicd.StepMainScript}
	for i, kind := range kinds {
		if _, err := s.AddLog(ctx, &cicd.JobLog{
			JobID:     job.ID,
			Sequence:  i + 1,
			LogType:   kind,
			StartedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("AddLog %d: %v", i, err)
		}
	}

	logs, err := s.GetJobLogs(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobLogs: %v", err)
	}
	if len(logs) != len(kinds) {
		t.Fatalf("got %d logs, want %d", len(logs), len(kinds))
	}
	for i, kind := range kinds {
		if logs[i].LogType != kind {
			t.Fatalf("logs[%d].LogType = %q, want %q", i, logs[i].LogType, kind)
		}
		if logs[i].Sequence != i+1 {
			t.Fatalf("logs[%d].Sequence = %d, want %d", i, logs[i].Sequence, i+1)
		}
	}
}

func TestQueuedAndCompletedCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	queued := cicd.NewJob("demo", "main", cicd.WebhookData{})
	if err := s.CreateJob(ctx, queued); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	done := cicd.NewJob("demo", "main", cicd.WebhookData{})
	if err := s.CreateJob(ctx, done); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	out := "ok"
	if err := s.CompleteJob(ctx, done.ID, cicd.JobSuccess, &out, nil, time.Now().UTC()); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	qc, err := s.GetQueuedCount(ctx)
	if err != nil {
		t.Fatalf("GetQueuedCount: %v", err)
	}
	if qc != 1 {
		t.Fatalf("GetQueuedCount = %d, want 1", qc)
	}

	cc, err := s.GetCompletedCount(ctx)
	if err != nil {
		t.Fatalf("GetCompletedCount: %v", err)
	}
	if cc != 1 {
		t.Fatalf("GetCompletedCount = %d, want 1", cc)
	}
}

func TestGetCurrentJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := cicd.NewJob("demo", "main", cicd.WebhookData{})
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.GetCurrentJob(ctx); err != ErrNotFound {
		t.Fatalf("GetCurrentJob before Running = %v, want ErrNotFound", err)
	}

	if err := s.UpdateJobStatus(ctx, job.ID, cicd.JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	cur, err := s.GetCurrentJob(ctx)
	if err != nil {
		t.Fatalf("GetCurrentJob: %v", err)
	}
	if cur.ID != job.ID {
		t.Fatalf("GetCurrentJob ID = %q, want %q", cur.ID, job.ID)
	}
}

func TestGetJobsByProjectBranchAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := cicd.NewJob("alpha", "main", cicd.WebhookData{})
	b := cicd.NewJob("alpha", "dev", cicd.WebhookData{})
	c := cicd.NewJob("beta", "main", cicd.WebhookData{})
	for _, j := range []*cicd.Job{a, b, c} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	byProject, err := s.GetJobsByProject(ctx, "alpha", 10)
	if err != nil {
		t.Fatalf("GetJobsByProject: %v", err)
	}
	if len(byProject) != 2 {
		t.Fatalf("GetJobsByProject returned %d, want 2", len(byProject))
	}

	byBranch, err := s.GetJobsByBranch(ctx, "alpha", "dev", 10)
	if err != nil {
		t.Fatalf("GetJobsByBranch: %v", err)
	}
	if len(byBranch) != 1 || byBranch[0].ID != b.ID {
		t.Fatalf("GetJobsByBranch mismatch: %+v", byBranch)
	}

	byStatus, err := s.GetJobsByStatus(ctx, cicd.JobQueued, 10)
	if err != nil {
		t.Fatalf("GetJobsByStatus: %v", err)
	}
	if len(byStatus) != 3 {
		t.Fatalf("GetJobsByStatus returned %d, want 3", len(byStatus))
	}
}

func TestGetRecentJobsRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j := cicd.NewJob("demo", "main", cicd.WebhookData{})
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	recent, err := s.GetRecentJobs(ctx, 3)
	if err != nil {
		t.Fatalf("GetRecentJobs: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("GetRecentJobs returned %d, want 3", len(recent))
	}
}
