// Package model はドメインモデルを定義する。
package model

import "time"

// LearningHistory はユーザーが開始した学習ロードマップ1件分の履歴を表す。
// RoadmapIDは呼び出し側が生成する不透明トークンで、ユーザーごとに一意。
type LearningHistory struct {
	ID                  string              `json:"id"`
	OwnerID             string              `json:"owner_id"`
	Subject             string              `json:"subject"`
	Difficulty          string              `json:"difficulty"`
	RoadmapID           string              `json:"roadmap_id"`
	LearningPreferences LearningPreferences `json:"learning_preferences"`
	ChapterProgress     []ChapterProgress   `json:"chapter_progress"`
	StartedAt           time.Time           `json:"started_at"`
	LastAccessedAt      time.Time           `json:"last_accessed_at"`
	CompletedAt         *time.Time          `json:"completed_at,omitempty"`
}

// LearningPreferences はロードマップ生成時のユーザー設定を表す。
type LearningPreferences struct {
	LearningStyle  string   `json:"learning_style"`
	TimeCommitment string   `json:"time_commitment"`
	Goals          []string `json:"goals"`
}

// ChapterProgress は1チャプターの進捗を表す。
// ChapterIDは1つのLearningHistory内で一意。
// CompletedAtは未完了→完了の遷移時に1回だけ設定され、
// 完了→未完了の遷移でnilに戻る。
type ChapterProgress struct {
	ChapterID   string     `json:"chapter_id"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HistoryInit は履歴レコード作成時の初期値を表す。
// ChapterProgressにはロードマップのチャプターIDをcompleted=falseで
// シードするのが通常の使い方。
type HistoryInit struct {
	Subject             string
	Difficulty          string
	RoadmapID           string
	LearningPreferences LearningPreferences
	ChapterProgress     []ChapterProgress
}

// Validate は履歴初期値の必須フィールドを検証する。
// 不足がある場合はValidationFailureとして*APIErrorを返す。
func (h *HistoryInit) Validate() error {
	if h.Subject == "" {
		return NewInvalidHistoryError("subjectは必須です")
	}
	if h.Difficulty == "" {
		return NewInvalidHistoryError("difficultyは必須です")
	}
	if h.RoadmapID == "" {
		return NewInvalidHistoryError("roadmap_idは必須です")
	}
	if h.LearningPreferences.LearningStyle == "" || h.LearningPreferences.TimeCommitment == "" {
		return NewInvalidPreferencesError()
	}
	seen := make(map[string]bool, len(h.ChapterProgress))
	for _, cp := range h.ChapterProgress {
		if cp.ChapterID == "" {
			return NewInvalidHistoryError("chapter_idが空のチャプターが含まれています")
		}
		if seen[cp.ChapterID] {
			return NewInvalidHistoryError("chapter_idが重複しています: " + cp.ChapterID)
		}
		seen[cp.ChapterID] = true
	}
	return nil
}
