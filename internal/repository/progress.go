package repository

import (
	"time"

	"github.com/hitoshi/learnman/internal/model"
)

// UpsertChapter は履歴レコードのチャプター進捗を冪等に更新する純粋関数。
// 全ストアバインディングがこの1箇所の遷移規則を共有する。
//
// 遷移規則:
//   - chapterIDが既存: completedフラグを上書きする。
//     未完了→完了の遷移でのみCompletedAt=nowを設定し、既に完了済みの
//     チャプターを再度完了にしてもCompletedAtは進めない（冪等）。
//     完了→未完了の遷移ではCompletedAtをnilに戻す。
//   - chapterIDが未登録: 末尾に追加する。
//   - LastAccessedAtは常にnowへ更新する。
//   - 更新後に全チャプターが完了していて、かつ履歴のCompletedAtが未設定の
//     場合のみCompletedAt=nowを設定する。一度設定されたCompletedAtは
//     その後チャプターが未完了に戻っても解除しない（完了は単調）。
func UpsertChapter(h *model.LearningHistory, chapterID string, completed bool, now time.Time) {
	found := false
	for i := range h.ChapterProgress {
		if h.ChapterProgress[i].ChapterID != chapterID {
			continue
		}
		found = true
		entry := &h.ChapterProgress[i]
		if completed {
			if !entry.Completed {
				entry.Completed = true
				ts := now
				entry.CompletedAt = &ts
			}
		} else {
			entry.Completed = false
			entry.CompletedAt = nil
		}
		break
	}

	if !found {
		entry := model.ChapterProgress{ChapterID: chapterID, Completed: completed}
		if completed {
			ts := now
			entry.CompletedAt = &ts
		}
		h.ChapterProgress = append(h.ChapterProgress, entry)
	}

	h.LastAccessedAt = now

	if h.CompletedAt == nil && allChaptersComplete(h.ChapterProgress) {
		ts := now
		h.CompletedAt = &ts
	}
}

// SeedProgress は履歴作成時のチャプター進捗を正規化する。
// completed=trueのエントリには完了時刻（呼び出し側指定があればその値、
// なければnow）を付与し、completed=falseのエントリの時刻はnilに揃える。
func SeedProgress(entries []model.ChapterProgress, now time.Time) []model.ChapterProgress {
	seeded := make([]model.ChapterProgress, len(entries))
	for i, e := range entries {
		seeded[i] = model.ChapterProgress{ChapterID: e.ChapterID, Completed: e.Completed}
		if e.Completed {
			if e.CompletedAt != nil {
				seeded[i].CompletedAt = e.CompletedAt
			} else {
				ts := now
				seeded[i].CompletedAt = &ts
			}
		}
	}
	return seeded
}

// allChaptersComplete は全チャプターが完了しているかを返す。
// チャプターが1件もない履歴は完了とみなさない。
func allChaptersComplete(entries []model.ChapterProgress) bool {
	if len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		if !e.Completed {
			return false
		}
	}
	return true
}
