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

package cicd

import (
	"strings"
	"testing"
	"time"
)

func TestTruncateOutputCapsAtOneMiB(t *testing.T) {
	big := strings.Repeat("x", MaxOutputSize+1024)

	out, truncated := TruncateOutput(big)
	if !truncated {
		t.Fatal("expected truncation for output over 1 MiB")
	}
	want := MaxOutputSize + len("\n... (output truncated)")
	if len(out) != want {
		t.Fatalf("len(out) = %d, want %d", len(out), want)
	}
	if !strings.HasSuffix(out, "... (output truncated)") {
		t.Fatalf("output missing truncation marker: %q", out[len(out)-40:])
	}
}

func TestTruncateOutputUnderCapIsUnchanged(t *testing.T) {
	small := "hello world"
	out, truncated := TruncateOutput(small)
	if truncated {
		t.Fatal("small output should not be truncated")
	}
	if out != small {
		t.Fatalf("out = %q, want %q", out, small)
	}
}

func TestTruncateCommitMessageAppendsMarker(t *testing.T) {
	long := strings.Repeat("a", 600)
	got := TruncateCommitMessage(long)
	if len([]rune(got)) != maxCommitMessageLen+len(commitMessageTruncatedMarker) {
		t.Fatalf("len = %d, want %d", len([]rune(got)), maxCommitMessageLen+len(commitMessageTruncatedMarker))
	}
	if !strings.HasSuffix(got, commitMessageTruncatedMarker) {
		t.Fatalf("missing truncation marker: %q", got)
	}
}

func TestTruncateCommitMessageUnderCapIsUnchanged(t *testing.T) {
	short := "fix bug"
	if got := TruncateCommitMessage(short); got != short {
		t.Fatalf("got = %q, want %q", got, short)
	}
}

func TestNewJobIDsAreLexicographicallyTimeOrdered(t *testing.T) {
	a := NewJob("demo", "main", WebhookData{})
	time.Sleep(2 * time.Millisecond)
	b := NewJob("demo", "main", WebhookData{})

	if a.ID >= b.ID {
		t.Fatalf("expected a.ID (%s) < b.ID (%s) for jobs created in sequence", a.ID, b.ID)
	}
}

func TestNewJobOmitsAbsentOptionalFields(t *testing.T) {
	job := NewJob("demo", "main", WebhookData{})
	if job.CommitSHA != nil || job.CommitMessage != nil || job.CommitAuthor != nil {
		t.Fatalf("expected nil optional fields, got sha=%v msg=%v author=%v", job.CommitSHA, job.CommitMessage, job.CommitAuthor)
	}
	if job.Status != JobQueued {
		t.Fatalf("Status = %q, want queued", job.Status)
	}
}

func TestNewJobTruncatesLongCommitMessage(t *testing.T) {
	long := strings.Repeat("a", 600)
	job := NewJob("demo", "main", WebhookData{CommitMessage: long})
	if job.CommitMessage == nil {
		t.Fatal("expected CommitMessage to be set")
	}
	if !strings.HasSuffix(*job.CommitMessage, commitMessageTruncatedMarker) {
		t.Fatalf("CommitMessage not truncated: %q", *job.CommitMessage)
	}
}

func TestMarkSuccessSetsOutputAndClearsError(t *testing.T) {
	job := NewJob("demo", "main", WebhookData{})
	job.Error = strPtr("stale")

	job.MarkSuccess("all good", time.Now().UTC())

	if job.Status != JobSuccess {
		t.Fatalf("Status = %q, want success", job.Status)
	}
	if job.Error != nil {
		t.Fatalf("Error = %v, want nil", job.Error)
	}
	if job.Output == nil || *job.Output != "all good" {
		t.Fatalf("Output = %v, want %q", job.Output, "all good")
	}
	if job.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
}

func TestMarkFailedSetsNonNilError(t *testing.T) {
	job := NewJob("demo", "main", WebhookData{})

	job.MarkFailed("partial output", "main_script: exited with code 1", time.Now().UTC())

	if job.Status != JobFailed {
		t.Fatalf("Status = %q, want failed", job.Status)
	}
	if job.Error == nil || *job.Error == "" {
		t.Fatal("expected a non-empty Error for a Failed job")
	}
}

func TestJobStatusValid(t *testing.T) {
	for _, s := range []JobStatus{JobQueued, JobRunning, JobSuccess, JobFailed} {
		if !s.Valid() {
			t.Fatalf("%q should be valid", s)
		}
	}
	if JobStatus("bogus").Valid() {
		t.Fatal("bogus status should not be valid")
	}
}

func TestJobStatusTerminal(t *testing.T) {
	if JobQueued.Terminal() || JobRunning.Terminal() {
		t.Fatal("queued/running should not be terminal")
	}
	if !JobSuccess.Terminal() || !JobFailed.Terminal() {
		t.Fatal("success/failed should be terminal")
	}
}

func TestProjectScriptForBranchPrefersOverride(t *testing.T) {
	p := Project{
		RunScript:     "./default.sh",
		BranchScripts: map[string]string{"release": "./release.sh"},
	}
	if got := p.ScriptForBranch("release"); got != "./release.sh" {
		t.Fatalf("ScriptForBranch(release) = %q, want ./release.sh", got)
	}
	if got := p.ScriptForBranch("main"); got != "./default.sh" {
		t.Fatalf("ScriptForBranch(main) = %q, want ./default.sh", got)
	}
}

func TestProjectRateLimitDefaults(t *testing.T) {
	p := Project{}
	reqs, window := p.RateLimit()
	if reqs != 60 || window != 60 {
		t.Fatalf("RateLimit() = (%d, %d), want (60, 60)", reqs, window)
	}
}

func TestProjectResetsToRemoteDefaultsTrue(t *testing.T) {
	p := Project{}
	if !p.ResetsToRemote() {
		t.Fatal("ResetsToRemote should default to true")
	}
	f := false
	p.ResetToRemote = &f
	if p.ResetsToRemote() {
		t.Fatal("ResetsToRemote should honor an explicit false")
	}
}

func strPtr(s string) *string { return &s }
