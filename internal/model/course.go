// Package model はドメインモデルを定義する。
package model

import "time"

// Roadmap はAI生成サービスが返す学習ロードマップを表す。
// 取り込み境界で厳密にスキーマ検証された後の形であり、
// 永続化層はこの形をそのまま保存する。
type Roadmap struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Chapters    []RoadmapChapter `json:"chapters"`
}

// RoadmapChapter はロードマップ内の1チャプターを表す。
type RoadmapChapter struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Duration    string `json:"duration"`
	Content     string `json:"content,omitempty"` // サニタイズ済みHTML
}

// DetailedCourse は生成済みコンテンツのキャッシュレコードを表す。
// (owner_id, roadmap_id) でユーザーごとに一意。
type DetailedCourse struct {
	ID          string           `json:"id"`
	OwnerID     string           `json:"owner_id"`
	RoadmapID   string           `json:"roadmap_id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Chapters    []RoadmapChapter `json:"chapters"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Quiz はAI生成サービスが返すクイズを表す。
// 永続化はされず、検証後そのままクライアントに返す。
type Quiz struct {
	ChapterTitle string         `json:"chapter_title"`
	Questions    []QuizQuestion `json:"questions"`
	PassingScore int            `json:"passing_score"`
}

// QuizQuestion はクイズ内の1問を表す。
// CorrectAnswerはOptionsのインデックス。
type QuizQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correct_answer"`
	Explanation   string   `json:"explanation"`
	Points        int      `json:"points"`
	TimeLimitSec  int      `json:"time_limit_sec"`
}
