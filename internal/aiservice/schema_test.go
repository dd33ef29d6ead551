package aiservice

import (
	"testing"

	"github.com/hitoshi/learnman/internal/model"
)

// TestDecodeRoadmap_Valid は正常な応答がそのままデコードされることを検証する。
func TestDecodeRoadmap_Valid(t *testing.T) {
	raw := []byte(`{
		"title": "Go入門",
		"description": "基礎から学ぶ",
		"chapters": [
			{"id": "ch-1", "title": "環境構築", "duration": "1h"},
			{"id": "ch-2", "title": "型と関数", "duration": "2h"}
		]
	}`)

	roadmap, err := DecodeRoadmap(raw)
	if err != nil {
		t.Fatalf("DecodeRoadmap returned error: %v", err)
	}
	if roadmap.Title != "Go入門" {
		t.Errorf("Title = %q, want Go入門", roadmap.Title)
	}
	if len(roadmap.Chapters) != 2 {
		t.Errorf("len(Chapters) = %d, want 2", len(roadmap.Chapters))
	}
}

// TestDecodeRoadmap_Malformed は不正な応答がMALFORMED_AI_RESPONSEの
// 論理エラーになることを検証する。
func TestDecodeRoadmap_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"broken json", `{not json`},
		{"missing title", `{"chapters": [{"id": "ch-1", "title": "a"}]}`},
		{"empty chapters", `{"title": "t", "chapters": []}`},
		{"chapter without id", `{"title": "t", "chapters": [{"title": "a"}]}`},
		{"chapter without title", `{"title": "t", "chapters": [{"id": "ch-1"}]}`},
		{"duplicate chapter id", `{"title": "t", "chapters": [{"id": "ch-1", "title": "a"}, {"id": "ch-1", "title": "b"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRoadmap([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !model.IsLogical(err) {
				t.Errorf("expected logical error, got %v", err)
			}
		})
	}
}

// TestDecodeCourse_RequiresContent は詳細コースが各チャプターの本文を
// 必須とすることを検証する。
func TestDecodeCourse_RequiresContent(t *testing.T) {
	raw := []byte(`{
		"title": "Go入門",
		"chapters": [
			{"id": "ch-1", "title": "環境構築", "content": "<p>本文</p>"},
			{"id": "ch-2", "title": "型と関数"}
		]
	}`)

	_, err := DecodeCourse(raw)
	if !model.IsLogical(err) {
		t.Fatalf("expected logical error for missing content, got %v", err)
	}
}

// TestDecodeQuiz_Valid は正常なクイズ応答のデコードを検証する。
func TestDecodeQuiz_Valid(t *testing.T) {
	raw := []byte(`{
		"chapter_title": "型と関数",
		"passing_score": 70,
		"questions": [
			{
				"question": "Goの組み込み型でないものは?",
				"options": ["int", "string", "decimal"],
				"correct_answer": 2,
				"points": 10
			}
		]
	}`)

	quiz, err := DecodeQuiz(raw)
	if err != nil {
		t.Fatalf("DecodeQuiz returned error: %v", err)
	}
	if quiz.PassingScore != 70 {
		t.Errorf("PassingScore = %d, want 70", quiz.PassingScore)
	}
	if quiz.Questions[0].CorrectAnswer != 2 {
		t.Errorf("CorrectAnswer = %d, want 2", quiz.Questions[0].CorrectAnswer)
	}
}

// TestDecodeQuiz_Malformed はクイズ検証の各境界を検証する。
func TestDecodeQuiz_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing chapter title", `{"passing_score": 70, "questions": [{"question": "q", "options": ["a", "b"], "correct_answer": 0, "points": 10}]}`},
		{"empty questions", `{"chapter_title": "t", "passing_score": 70, "questions": []}`},
		{"passing score over 100", `{"chapter_title": "t", "passing_score": 120, "questions": [{"question": "q", "options": ["a", "b"], "correct_answer": 0, "points": 10}]}`},
		{"single option", `{"chapter_title": "t", "passing_score": 70, "questions": [{"question": "q", "options": ["a"], "correct_answer": 0, "points": 10}]}`},
		{"correct answer out of range", `{"chapter_title": "t", "passing_score": 70, "questions": [{"question": "q", "options": ["a", "b"], "correct_answer": 2, "points": 10}]}`},
		{"negative correct answer", `{"chapter_title": "t", "passing_score": 70, "questions": [{"question": "q", "options": ["a", "b"], "correct_answer": -1, "points": 10}]}`},
		{"zero points", `{"chapter_title": "t", "passing_score": 70, "questions": [{"question": "q", "options": ["a", "b"], "correct_answer": 0, "points": 0}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeQuiz([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !model.IsLogical(err) {
				t.Errorf("expected logical error, got %v", err)
			}
		})
	}
}
