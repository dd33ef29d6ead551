// Package aiservice はAI生成サービスとの連携機能を提供する。
// ロードマップ・コース・クイズの生成リクエストと、
// 生成応答の厳密なスキーマ検証を含む。
package aiservice

import (
	"encoding/json"
	"fmt"

	"github.com/hitoshi/learnman/internal/model"
)

// DecodeRoadmap は生成応答をロードマップとして厳密に検証・デコードする。
// 生成サービスの応答は構造が保証されないため、信頼境界として扱う。
// 検証失敗はMALFORMED_AI_RESPONSEの論理エラーとなり、リトライ対象にはならない。
func DecodeRoadmap(raw []byte) (*model.Roadmap, error) {
	roadmap := &model.Roadmap{}
	if err := json.Unmarshal(raw, roadmap); err != nil {
		return nil, model.NewMalformedAIResponseError("JSONのパースに失敗しました")
	}
	if err := validateRoadmap(roadmap); err != nil {
		return nil, err
	}
	return roadmap, nil
}

// validateRoadmap はロードマップの構造を検証する。
func validateRoadmap(r *model.Roadmap) error {
	if r.Title == "" {
		return model.NewMalformedAIResponseError("titleが空です")
	}
	if len(r.Chapters) == 0 {
		return model.NewMalformedAIResponseError("chaptersが空です")
	}
	seen := make(map[string]bool, len(r.Chapters))
	for i, ch := range r.Chapters {
		if ch.ID == "" {
			return model.NewMalformedAIResponseError(fmt.Sprintf("chapters[%d].idが空です", i))
		}
		if seen[ch.ID] {
			return model.NewMalformedAIResponseError("チャプターIDが重複しています: " + ch.ID)
		}
		seen[ch.ID] = true
		if ch.Title == "" {
			return model.NewMalformedAIResponseError(fmt.Sprintf("chapters[%d].titleが空です", i))
		}
	}
	return nil
}

// DecodeCourse は生成応答を詳細コースとして厳密に検証・デコードする。
// ロードマップと同じチャプター構造に加え、各チャプターに本文を要求する。
func DecodeCourse(raw []byte) (*model.Roadmap, error) {
	course, err := DecodeRoadmap(raw)
	if err != nil {
		return nil, err
	}
	for i, ch := range course.Chapters {
		if ch.Content == "" {
			return nil, model.NewMalformedAIResponseError(fmt.Sprintf("chapters[%d].contentが空です", i))
		}
	}
	return course, nil
}

// DecodeQuiz は生成応答をクイズとして厳密に検証・デコードする。
func DecodeQuiz(raw []byte) (*model.Quiz, error) {
	quiz := &model.Quiz{}
	if err := json.Unmarshal(raw, quiz); err != nil {
		return nil, model.NewMalformedAIResponseError("JSONのパースに失敗しました")
	}
	if err := validateQuiz(quiz); err != nil {
		return nil, err
	}
	return quiz, nil
}

// validateQuiz はクイズの構造を検証する。
// correct_answerはoptionsの範囲内のインデックスでなければならない。
func validateQuiz(q *model.Quiz) error {
	if q.ChapterTitle == "" {
		return model.NewMalformedAIResponseError("chapter_titleが空です")
	}
	if len(q.Questions) == 0 {
		return model.NewMalformedAIResponseError("questionsが空です")
	}
	if q.PassingScore < 0 || q.PassingScore > 100 {
		return model.NewMalformedAIResponseError(fmt.Sprintf("passing_scoreが範囲外です: %d", q.PassingScore))
	}
	for i, question := range q.Questions {
		if question.Question == "" {
			return model.NewMalformedAIResponseError(fmt.Sprintf("questions[%d].questionが空です", i))
		}
		if len(question.Options) < 2 {
			return model.NewMalformedAIResponseError(fmt.Sprintf("questions[%d].optionsが2個未満です", i))
		}
		if question.CorrectAnswer < 0 || question.CorrectAnswer >= len(question.Options) {
			return model.NewMalformedAIResponseError(
				fmt.Sprintf("questions[%d].correct_answerが範囲外です: %d", i, question.CorrectAnswer))
		}
		if question.Points <= 0 {
			return model.NewMalformedAIResponseError(fmt.Sprintf("questions[%d].pointsが不正です: %d", i, question.Points))
		}
	}
	return nil
}
