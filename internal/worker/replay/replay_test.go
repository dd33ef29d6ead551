package replay

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/hitoshi/learnman/internal/localstore"
	"github.com/hitoshi/learnman/internal/model"
)

// --- モック ---

type mockRestorer struct {
	restoreUserFn    func(ctx context.Context, user *model.UserProfile) (*model.UserProfile, error)
	restoreHistoryFn func(ctx context.Context, ownerID string, history *model.LearningHistory) error
	restoreCourseFn  func(ctx context.Context, ownerID string, course *model.DetailedCourse) error
}

func (m *mockRestorer) RestoreUser(ctx context.Context, user *model.UserProfile) (*model.UserProfile, error) {
	if m.restoreUserFn != nil {
		return m.restoreUserFn(ctx, user)
	}
	return user, nil
}

func (m *mockRestorer) RestoreHistory(ctx context.Context, ownerID string, history *model.LearningHistory) error {
	if m.restoreHistoryFn != nil {
		return m.restoreHistoryFn(ctx, ownerID, history)
	}
	return nil
}

func (m *mockRestorer) RestoreCourse(ctx context.Context, ownerID string, course *model.DetailedCourse) error {
	if m.restoreCourseFn != nil {
		return m.restoreCourseFn(ctx, ownerID, course)
	}
	return nil
}

type mockRecorder struct {
	replayed    int
	journalSize int
}

func (m *mockRecorder) RecordReplayedWrites(count int) { m.replayed += count }
func (m *mockRecorder) SetDirtyJournalSize(size int)   { m.journalSize = size }

func newTestLocal(t *testing.T) *localstore.FallbackStore {
	t.Helper()
	kv, err := localstore.Open(filepath.Join(t.TempDir(), "fallback.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return localstore.NewFallbackStore(kv)
}

// --- テスト ---

// TestJob_RunOnce_ReplaysDirtyWrites はフォールバックへの書き込みが
// プライマリへ復元され、ジャーナルが消し込まれることを検証する。
func TestJob_RunOnce_ReplaysDirtyWrites(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()

	user, err := local.GetOrCreateUser(ctx, model.IdentityInfo{
		ExternalID: "google:sub-1",
		Email:      "a@example.com",
	})
	if err != nil {
		t.Fatalf("GetOrCreateUser returned error: %v", err)
	}
	if _, err := local.AddToHistory(ctx, user.ID, model.HistoryInit{
		Subject:    "Go",
		Difficulty: "beginner",
		RoadmapID:  "roadmap-1",
		LearningPreferences: model.LearningPreferences{
			LearningStyle:  "visual",
			TimeCommitment: "2h/week",
		},
	}); err != nil {
		t.Fatalf("AddToHistory returned error: %v", err)
	}

	var restoredUser *model.UserProfile
	var restoredHistory *model.LearningHistory
	primary := &mockRestorer{
		restoreUserFn: func(ctx context.Context, u *model.UserProfile) (*model.UserProfile, error) {
			restoredUser = u
			return u, nil
		},
		restoreHistoryFn: func(ctx context.Context, ownerID string, h *model.LearningHistory) error {
			restoredHistory = h
			return nil
		},
	}
	recorder := &mockRecorder{}

	job := NewJob(local, primary, recorder, slog.Default())
	if err := job.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if restoredUser == nil || restoredUser.ExternalID != "google:sub-1" {
		t.Errorf("restored user = %+v, want google:sub-1", restoredUser)
	}
	if restoredHistory == nil || restoredHistory.RoadmapID != "roadmap-1" {
		t.Errorf("restored history = %+v, want roadmap-1", restoredHistory)
	}
	if recorder.replayed != 2 {
		t.Errorf("replayed = %d, want 2 (user + history)", recorder.replayed)
	}

	// ジャーナルは空になり、次サイクルは何もしない
	entries, err := local.KV().ListDirty(ctx, 10)
	if err != nil {
		t.Fatalf("ListDirty returned error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len(entries) = %d, want 0 after replay", len(entries))
	}
}

// TestJob_RunOnce_StopsOnPrimaryFailure はプライマリ復元失敗でサイクルが
// 打ち切られてエラーが返り、ジャーナルが残ることを検証する。
// エラーを返すことでSchedulerのバックオフが作動する。
func TestJob_RunOnce_StopsOnPrimaryFailure(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()

	if _, err := local.GetOrCreateUser(ctx, model.IdentityInfo{ExternalID: "google:sub-1"}); err != nil {
		t.Fatalf("GetOrCreateUser returned error: %v", err)
	}

	primaryDown := errors.New("primary still down")
	primary := &mockRestorer{
		restoreUserFn: func(ctx context.Context, u *model.UserProfile) (*model.UserProfile, error) {
			return nil, primaryDown
		},
	}
	recorder := &mockRecorder{}

	job := NewJob(local, primary, recorder, slog.Default())
	err := job.RunOnce(ctx)
	if !errors.Is(err, primaryDown) {
		t.Fatalf("RunOnce error = %v, want wrapped primary failure", err)
	}

	if recorder.replayed != 0 {
		t.Errorf("replayed = %d, want 0", recorder.replayed)
	}
	entries, err := local.KV().ListDirty(ctx, 10)
	if err != nil {
		t.Fatalf("ListDirty returned error: %v", err)
	}
	if len(entries) == 0 {
		t.Error("journal must keep entries when primary restore fails")
	}
}

// TestJob_RunOnce_EmptyJournal は空ジャーナルで何も起きないことを検証する。
func TestJob_RunOnce_EmptyJournal(t *testing.T) {
	local := newTestLocal(t)
	recorder := &mockRecorder{}

	job := NewJob(local, &mockRestorer{}, recorder, slog.Default())
	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if recorder.replayed != 0 {
		t.Errorf("replayed = %d, want 0", recorder.replayed)
	}
	if recorder.journalSize != 0 {
		t.Errorf("journalSize = %d, want 0", recorder.journalSize)
	}
}

// TestJob_RunOnce_CanonicalIDComesFromPrimary はプライマリ側に同一external_idの
// 既存ユーザーがいても復元がエラーにならないことを検証する。
// ID衝突の解決はRestorer実装側の責務で、ジョブは返り値を正として扱う。
func TestJob_RunOnce_CanonicalIDComesFromPrimary(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()

	if _, err := local.GetOrCreateUser(ctx, model.IdentityInfo{ExternalID: "google:sub-1"}); err != nil {
		t.Fatalf("GetOrCreateUser returned error: %v", err)
	}

	primary := &mockRestorer{
		restoreUserFn: func(ctx context.Context, u *model.UserProfile) (*model.UserProfile, error) {
			canonical := *u
			canonical.ID = "primary-id" // プライマリ既存レコードのIDが正
			return &canonical, nil
		},
	}

	job := NewJob(local, primary, &mockRecorder{}, slog.Default())
	if err := job.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	entries, err := local.KV().ListDirty(ctx, 10)
	if err != nil {
		t.Fatalf("ListDirty returned error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len(entries) = %d, want 0", len(entries))
	}
}
