package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestKV(t *testing.T) *KV {
	t.Helper()
	kv, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

// TestKV_GetMissingKey は未登録キーが(nil, nil)を返すことを検証する。
func TestKV_GetMissingKey(t *testing.T) {
	kv := newTestKV(t)

	value, err := kv.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if value != nil {
		t.Errorf("value = %v, want nil", value)
	}
}

// TestKV_PutJournalsWrite はPutがジャーナルに記録し、上書きで
// ジャーナルが1件に保たれることを検証する。
func TestKV_PutJournalsWrite(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	if err := kv.Put(ctx, "user_ext-1", []byte(`{"v":1}`), KindUser, "user-1"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if err := kv.Put(ctx, "user_ext-1", []byte(`{"v":2}`), KindUser, "user-1"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	value, err := kv.Get(ctx, "user_ext-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(value) != `{"v":2}` {
		t.Errorf("value = %q, want latest write", value)
	}

	entries, err := kv.ListDirty(ctx, 10)
	if err != nil {
		t.Fatalf("ListDirty returned error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1 (same key collapses)", len(entries))
	}
	if entries[0].Kind != KindUser || entries[0].OwnerID != "user-1" {
		t.Errorf("entry = %+v, want kind=user owner=user-1", entries[0])
	}
}

// TestKV_PutCleanDoesNotJournal はPutCleanがジャーナルに残らないことを検証する。
func TestKV_PutCleanDoesNotJournal(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	if err := kv.PutClean(ctx, "user_id_abc", []byte("ext-1")); err != nil {
		t.Fatalf("PutClean returned error: %v", err)
	}

	entries, err := kv.ListDirty(ctx, 10)
	if err != nil {
		t.Fatalf("ListDirty returned error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len(entries) = %d, want 0", len(entries))
	}
}

// TestKV_ClearDirty_MatchesMarkedAt はClearDirtyがmarked_at一致時のみ
// 削除し、リプレイ中の再書き込みが生き残ることを検証する。
func TestKV_ClearDirty_MatchesMarkedAt(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	if err := kv.Put(ctx, "history_user-1", []byte(`[]`), KindHistory, "user-1"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	entries, err := kv.ListDirty(ctx, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListDirty = (%v, %v), want 1 entry", entries, err)
	}
	listed := entries[0]

	// リプレイ中に同一キーへ再書き込みが入る（marked_atが進む）
	time.Sleep(2 * time.Millisecond)
	if err := kv.Put(ctx, "history_user-1", []byte(`[{}]`), KindHistory, "user-1"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	// 古いmarked_atでのクリアは新しいジャーナルを消してはならない
	if err := kv.ClearDirty(ctx, listed.Key, listed.MarkedAt); err != nil {
		t.Fatalf("ClearDirty returned error: %v", err)
	}

	remaining, err := kv.ListDirty(ctx, 10)
	if err != nil {
		t.Fatalf("ListDirty returned error: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("len(remaining) = %d, want 1 (rewrite must survive replay)", len(remaining))
	}
}

// TestKV_ClearDirty_RemovesEntry は一致するmarked_atでエントリが消えることを検証する。
func TestKV_ClearDirty_RemovesEntry(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	if err := kv.Put(ctx, "course_user-1_rm-1", []byte(`{}`), KindCourse, "user-1"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	entries, _ := kv.ListDirty(ctx, 10)
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}

	if err := kv.ClearDirty(ctx, entries[0].Key, entries[0].MarkedAt); err != nil {
		t.Fatalf("ClearDirty returned error: %v", err)
	}

	remaining, _ := kv.ListDirty(ctx, 10)
	if len(remaining) != 0 {
		t.Errorf("len(remaining) = %d, want 0", len(remaining))
	}
}
