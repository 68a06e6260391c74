package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/neoboid/pergit/internal/config"
	"github.com/neoboid/pergit/internal/p4"
)

// events is a log shared between mocks so call ordering across the git and
// p4 clients can be asserted.
type events struct {
	log []string
}

func (e *events) record(format string, args ...any) {
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *events) indexOf(entry string) int {
	for i, got := range e.log {
		if got == entry {
			return i
		}
	}
	return -1
}

// mockGitClient implements git.Client for testing.
type mockGitClient struct {
	ev          *events
	cleanSeq    []bool
	cleanIdx    int
	modified    []string
	clearErr    error
	lastSubject string
	subjectErr  error
	addAllErr   error
	commitErr   error

	addAllCalled bool
	cleared      []string
	commits      []string
	allowEmpty   []bool
}

func (m *mockGitClient) ChangedPaths(_ context.Context, _, _ string) ([]string, error) {
	return nil, nil
}

func (m *mockGitClient) CommitSubjects(_ context.Context, _, _ string) ([]string, error) {
	return nil, nil
}

func (m *mockGitClient) CurrentPosition(_ context.Context) (string, error) { return "abc1234", nil }

func (m *mockGitClient) IsClean(_ context.Context) (bool, error) {
	m.ev.record("git.IsClean")
	if len(m.cleanSeq) == 0 {
		return true, nil
	}
	clean := m.cleanSeq[m.cleanIdx]
	if m.cleanIdx < len(m.cleanSeq)-1 {
		m.cleanIdx++
	}
	return clean, nil
}

func (m *mockGitClient) ModifiedPaths(_ context.Context) ([]string, error) {
	m.ev.record("git.ModifiedPaths")
	return m.modified, nil
}

func (m *mockGitClient) ClearWriteProtection(path string) error {
	m.ev.record("git.Clear:%s", path)
	m.cleared = append(m.cleared, path)
	return m.clearErr
}

func (m *mockGitClient) AddAll(_ context.Context) error {
	m.ev.record("git.AddAll")
	m.addAllCalled = true
	return m.addAllErr
}

func (m *mockGitClient) Commit(_ context.Context, message string, allowEmpty bool) error {
	m.ev.record("git.Commit:%s", message)
	m.commits = append(m.commits, message)
	m.allowEmpty = append(m.allowEmpty, allowEmpty)
	return m.commitErr
}

func (m *mockGitClient) LastCommitSubject(_ context.Context) (string, error) {
	return m.lastSubject, m.subjectErr
}

// mockP4Client implements p4.Client for testing.
type mockP4Client struct {
	ev           *events
	opened       []string
	openedErr    error
	previews     map[int]int
	previewErr   error
	syncResults  map[int]*p4.SyncResult
	syncErrs     map[int]error
	forceResults map[string]*p4.SyncResult
	forceErrs    map[string]error

	syncCalls  []int
	forceCalls []string
}

func (m *mockP4Client) Preview(_ context.Context, _ string, changelist int) (int, error) {
	m.ev.record("p4.Preview:%d", changelist)
	if m.previewErr != nil {
		return 0, m.previewErr
	}
	return m.previews[changelist], nil
}

func (m *mockP4Client) Sync(_ context.Context, _ string, changelist int) (*p4.SyncResult, error) {
	m.ev.record("p4.Sync:%d", changelist)
	m.syncCalls = append(m.syncCalls, changelist)
	result := m.syncResults[changelist]
	if result == nil && m.syncErrs[changelist] == nil {
		result = &p4.SyncResult{}
	}
	return result, m.syncErrs[changelist]
}

func (m *mockP4Client) ForceSyncPath(_ context.Context, path string, changelist int) (*p4.SyncResult, error) {
	key := fmt.Sprintf("%s@%d", path, changelist)
	m.ev.record("p4.ForceSync:%s", key)
	m.forceCalls = append(m.forceCalls, key)
	result := m.forceResults[key]
	if result == nil && m.forceErrs[key] == nil {
		result = &p4.SyncResult{}
	}
	return result, m.forceErrs[key]
}

func (m *mockP4Client) Opened(_ context.Context) ([]string, error) {
	m.ev.record("p4.Opened")
	return m.opened, m.openedErr
}

func (m *mockP4Client) OpenedChangelist(_ context.Context, _ string) (string, error) {
	return "", nil
}

func (m *mockP4Client) OpenForEdit(_ context.Context, _ string, _ int) error { return nil }
func (m *mockP4Client) Reopen(_ context.Context, _ string, _ int) error      { return nil }

func (m *mockP4Client) CreateChangelist(_ context.Context, _ string) (int, error) {
	return 0, nil
}

func (m *mockP4Client) Shelve(_ context.Context, _ int) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return config.Default()
}

func newTestEngine(gitClient *mockGitClient, p4Client *mockP4Client, out *bytes.Buffer, force bool) *Engine {
	return NewEngine(testConfig(), gitClient, p4Client, out, testLogger(), force)
}

func syncedResult(paths ...string) *p4.SyncResult {
	result := &p4.SyncResult{}
	for _, path := range paths {
		result.Files = append(result.Files, p4.SyncedFile{Action: p4.ActionUpdate, Path: path})
	}
	return result
}

func TestRun_TwoPhaseSyncAndCommit(t *testing.T) {
	ev := &events{}
	gitClient := &mockGitClient{
		ev:          ev,
		cleanSeq:    []bool{true, false},
		lastSubject: "40: p4 sync //...@40",
	}
	p4Client := &mockP4Client{
		ev:       ev,
		previews: map[int]int{40: 1, 42: 2},
		syncResults: map[int]*p4.SyncResult{
			40: syncedResult("a.txt"),
			42: syncedResult("a.txt", "b.txt"),
		},
	}
	out := &bytes.Buffer{}

	if err := newTestEngine(gitClient, p4Client, out, false).Run(context.Background(), 42, false); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []int{40, 42}
	if len(p4Client.syncCalls) != len(want) {
		t.Fatalf("sync calls = %v, want %v", p4Client.syncCalls, want)
	}
	for i := range want {
		if p4Client.syncCalls[i] != want[i] {
			t.Errorf("syncCalls[%d] = %d, want %d", i, p4Client.syncCalls[i], want[i])
		}
	}

	if !gitClient.addAllCalled {
		t.Error("expected git add to stage the synced files")
	}
	if len(gitClient.commits) != 1 || gitClient.commits[0] != "42: p4 sync //...@42" {
		t.Errorf("commits = %v", gitClient.commits)
	}
	if len(gitClient.allowEmpty) != 1 || !gitClient.allowEmpty[0] {
		t.Error("expected the sync commit to allow empty")
	}
	if !strings.Contains(out.String(), "Finished with success") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRun_FirstSyncSkipsReturnPhase(t *testing.T) {
	ev := &events{}
	gitClient := &mockGitClient{
		ev:          ev,
		cleanSeq:    []bool{true, false},
		lastSubject: "Initial commit",
	}
	p4Client := &mockP4Client{
		ev:          ev,
		previews:    map[int]int{42: 1},
		syncResults: map[int]*p4.SyncResult{42: syncedResult("a.txt")},
	}
	out := &bytes.Buffer{}

	if err := newTestEngine(gitClient, p4Client, out, false).Run(context.Background(), 42, false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p4Client.syncCalls) != 1 || p4Client.syncCalls[0] != 42 {
		t.Errorf("sync calls = %v, want [42]", p4Client.syncCalls)
	}
}

func TestRun_NothingToDo(t *testing.T) {
	ev := &events{}
	gitClient := &mockGitClient{ev: ev, lastSubject: "42: p4 sync //...@42"}
	p4Client := &mockP4Client{ev: ev}
	out := &bytes.Buffer{}

	if err := newTestEngine(gitClient, p4Client, out, false).Run(context.Background(), 42, false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p4Client.syncCalls) != 0 {
		t.Errorf("expected no sync calls, got %v", p4Client.syncCalls)
	}
	if len(gitClient.commits) != 0 {
		t.Errorf("expected no commits, got %v", gitClient.commits)
	}
	if !strings.Contains(out.String(), "Changelist of last commit is 42, nothing to do") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRun_HeadResyncsWithoutCommit(t *testing.T) {
	ev := &events{}
	gitClient := &mockGitClient{ev: ev, lastSubject: "40: p4 sync //...@40"}
	p4Client := &mockP4Client{
		ev:          ev,
		previews:    map[int]int{40: 1},
		syncResults: map[int]*p4.SyncResult{40: syncedResult("a.txt")},
	}
	out := &bytes.Buffer{}

	if err := newTestEngine(gitClient, p4Client, out, false).Run(context.Background(), 0, true); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p4Client.syncCalls) != 1 || p4Client.syncCalls[0] != 40 {
		t.Errorf("sync calls = %v, want [40]", p4Client.syncCalls)
	}
	if len(gitClient.commits) != 0 {
		t.Errorf("head must not commit, got %v", gitClient.commits)
	}
}

func TestRun_HeadWithoutSyncCommit(t *testing.T) {
	ev := &events{}
	gitClient := &mockGitClient{ev: ev, lastSubject: "Initial commit"}
	p4Client := &mockP4Client{ev: ev}
	out := &bytes.Buffer{}

	err := newTestEngine(gitClient, p4Client, out, false).Run(context.Background(), 0, true)
	if err == nil {
		t.Fatal("expected error when no sync commit exists, got nil")
	}
	if len(p4Client.syncCalls) != 0 {
		t.Errorf("expected no sync calls, got %v", p4Client.syncCalls)
	}
}

func TestRun_DirtyGitTreeAborts(t *testing.T) {
	ev := &events{}
	gitClient := &mockGitClient{ev: ev, cleanSeq: []bool{false}}
	p4Client := &mockP4Client{ev: ev}
	out := &bytes.Buffer{}

	err := newTestEngine(gitClient, p4Client, out, false).Run(context.Background(), 42, false)
	if err == nil {
		t.Fatal("expected error for dirty tree, got nil")
	}
	if !strings.Contains(err.Error(), "not clean") {
		t.Errorf("error = %q", err)
	}
	for _, entry := range ev.log {
		if strings.HasPrefix(entry, "p4.") {
			t.Errorf("no p4 command may run on a dirty tree, got %v", ev.log)
		}
	}
}

func TestRun_OpenedFilesAbort(t *testing.T) {
	ev := &events{}
	gitClient := &mockGitClient{ev: ev}
	p4Client := &mockP4Client{
		ev:     ev,
		opened: []string{"//depot/a.txt#1 - edit change 7 (text) by user@ws"},
	}
	out := &bytes.Buffer{}

	err := newTestEngine(gitClient, p4Client, out, false).Run(context.Background(), 42, false)
	if err == nil {
		t.Fatal("expected error for opened files, got nil")
	}
	if len(p4Client.syncCalls) != 0 {
		t.Errorf("expected no sync calls, got %v", p4Client.syncCalls)
	}
}

func TestRun_ForceClearsWriteProtectionBeforeSync(t *testing.T) {
	ev := &events{}
	gitClient := &mockGitClient{
		ev:          ev,
		cleanSeq:    []bool{true, false},
		lastSubject: "Initial commit",
		modified:    []string{"a.txt", "b.txt"},
	}
	p4Client := &mockP4Client{
		ev:          ev,
		previews:    map[int]int{42: 1},
		syncResults: map[int]*p4.SyncResult{42: syncedResult("a.txt")},
	}
	out := &bytes.Buffer{}

	if err := newTestEngine(gitClient, p4Client, out, true).Run(context.Background(), 42, false); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(gitClient.cleared) != 2 {
		t.Fatalf("cleared = %v, want both modified paths", gitClient.cleared)
	}
	syncIdx := ev.indexOf("p4.Sync:42")
	for _, path := range []string{"a.txt", "b.txt"} {
		clearIdx := ev.indexOf("git.Clear:" + path)
		if clearIdx == -1 || syncIdx == -1 || clearIdx > syncIdx {
			t.Errorf("write protection for %s must be cleared before the sync call, log: %v", path, ev.log)
		}
	}
}

func TestRun_ForceWithNoModifiedPathsClearsNothing(t *testing.T) {
	ev := &events{}
	gitClient := &mockGitClient{
		ev:          ev,
		cleanSeq:    []bool{true, false},
		lastSubject: "Initial commit",
	}
	p4Client := &mockP4Client{
		ev:          ev,
		previews:    map[int]int{42: 1},
		syncResults: map[int]*p4.SyncResult{42: syncedResult("a.txt")},
	}
	out := &bytes.Buffer{}

	if err := newTestEngine(gitClient, p4Client, out, true).Run(context.Background(), 42, false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(gitClient.cleared) != 0 {
		t.Errorf("expected no write protection changes, got %v", gitClient.cleared)
	}
}

func TestRun_WritableFilesWithoutForce(t *testing.T) {
	ev := &events{}
	gitClient := &mockGitClient{ev: ev, lastSubject: "Initial commit"}
	p4Client := &mockP4Client{
		ev:       ev,
		previews: map[int]int{42: 2},
		syncResults: map[int]*p4.SyncResult{
			42: {
				Files:    []p4.SyncedFile{{Action: p4.ActionClobber, Path: "/ws/w.txt"}},
				Writable: []string{"/ws/w.txt"},
			},
		},
		syncErrs: map[int]error{42: errors.New("p4 sync //...@42 failed with exit code 1")},
	}
	out := &bytes.Buffer{}

	err := newTestEngine(gitClient, p4Client, out, false).Run(context.Background(), 42, false)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(out.String(), "Found 1 writable files") {
		t.Errorf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "Leaving files as is, use --force to force sync") {
		t.Errorf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "/ws/w.txt") {
		t.Errorf("output = %q", out.String())
	}
	if len(p4Client.forceCalls) != 0 {
		t.Errorf("expected no force syncs, got %v", p4Client.forceCalls)
	}
	if len(gitClient.commits) != 0 {
		t.Errorf("failed sync must not commit, got %v", gitClient.commits)
	}
}

func TestRun_WritableFilesForceRecovers(t *testing.T) {
	ev := &events{}
	gitClient := &mockGitClient{
		ev:          ev,
		cleanSeq:    []bool{true, false},
		lastSubject: "Initial commit",
	}
	p4Client := &mockP4Client{
		ev:       ev,
		previews: map[int]int{42: 2},
		syncResults: map[int]*p4.SyncResult{
			42: {
				Files:    []p4.SyncedFile{{Action: p4.ActionClobber, Path: "/ws/w.txt"}},
				Writable: []string{"/ws/w.txt"},
			},
		},
		syncErrs: map[int]error{42: errors.New("p4 sync //...@42 failed with exit code 1")},
		forceResults: map[string]*p4.SyncResult{
			"/ws/w.txt@42": {Files: []p4.SyncedFile{{Action: p4.ActionUpdate, Path: "/ws/w.txt"}}},
		},
	}
	out := &bytes.Buffer{}

	if err := newTestEngine(gitClient, p4Client, out, true).Run(context.Background(), 42, false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p4Client.forceCalls) != 1 || p4Client.forceCalls[0] != "/ws/w.txt@42" {
		t.Errorf("force calls = %v, want [/ws/w.txt@42]", p4Client.forceCalls)
	}
	if len(gitClient.commits) != 1 {
		t.Errorf("expected the recovered sync to commit, got %v", gitClient.commits)
	}
}

func TestRun_UpToDatePreviewStillCommits(t *testing.T) {
	ev := &events{}
	gitClient := &mockGitClient{ev: ev, lastSubject: "Initial commit"}
	p4Client := &mockP4Client{ev: ev, previews: map[int]int{42: 0}}
	out := &bytes.Buffer{}

	if err := newTestEngine(gitClient, p4Client, out, false).Run(context.Background(), 42, false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p4Client.syncCalls) != 0 {
		t.Errorf("expected no sync call when nothing to sync, got %v", p4Client.syncCalls)
	}
	if !strings.Contains(out.String(), "All files are up to date") {
		t.Errorf("output = %q", out.String())
	}
	if len(gitClient.commits) != 1 || gitClient.commits[0] != "42: p4 sync //...@42" {
		t.Errorf("commits = %v", gitClient.commits)
	}
}

func TestChangelistFromSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    int
	}{
		{name: "sync subject", subject: "42: p4 sync //...@42", want: 42},
		{name: "custom depot path", subject: "7: p4 sync //depot/proj/...@7", want: 7},
		{name: "mismatched numbers", subject: "12: p4 sync //...@34", want: 0},
		{name: "ordinary commit", subject: "Fix bug", want: 0},
		{name: "empty", subject: "", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := changelistFromSubject(tt.subject); got != tt.want {
				t.Errorf("changelistFromSubject(%q) = %d, want %d", tt.subject, got, tt.want)
			}
		})
	}
}

func TestSubjectRoundTrip(t *testing.T) {
	for _, depot := range []string{"//...", "//depot/stream/..."} {
		subject := subjectFor(depot, 12345)
		if got := changelistFromSubject(subject); got != 12345 {
			t.Errorf("round trip through %q = %d, want 12345", subject, got)
		}
	}
}
