// Package course はロードマップ・コース・クイズ生成のドメインロジックを提供する。
// AI生成クライアントと統合ユーザーサービスを組み合わせ、
// 生成→サニタイズ→保存→履歴シードのオーケストレーションを行う。
package course

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/learnman/internal/model"
	"github.com/hitoshi/learnman/internal/security"
)

// Generator はAI生成クライアントのインターフェース。
type Generator interface {
	GenerateRoadmap(ctx context.Context, subject, difficulty string, prefs model.LearningPreferences) (*model.Roadmap, error)
	GenerateCourse(ctx context.Context, subject, difficulty string, chapters []model.RoadmapChapter) (*model.Roadmap, error)
	GenerateQuiz(ctx context.Context, chapterTitle, chapterContent, difficulty string) (*model.Quiz, error)
}

// UserStore は生成結果の保存先となる統合サービスのインターフェース。
type UserStore interface {
	AddToHistory(ctx context.Context, ownerID string, init model.HistoryInit) (*model.LearningHistory, error)
	GetUserHistory(ctx context.Context, ownerID string) ([]*model.LearningHistory, error)
	SaveDetailedCourse(ctx context.Context, ownerID string, course *model.DetailedCourse) (*model.DetailedCourse, error)
	GetDetailedCourse(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error)
}

// Service はコース生成のサービス層。
type Service struct {
	generator Generator
	users     UserStore
	sanitizer security.ContentSanitizerService
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(generator Generator, users UserStore, sanitizer security.ContentSanitizerService, logger *slog.Logger) *Service {
	return &Service{
		generator: generator,
		users:     users,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// RoadmapResult はロードマップ生成の結果。
// 生成されたロードマップと、シード済みの履歴レコードを返す。
type RoadmapResult struct {
	RoadmapID string                 `json:"roadmap_id"`
	Roadmap   *model.Roadmap         `json:"roadmap"`
	History   *model.LearningHistory `json:"history"`
}

// GenerateRoadmap は学習ロードマップを生成し、学習履歴をシードする。
// ロードマップIDはここで採番され、以降の履歴・コース参照に使用される。
// 全チャプターはcompleted=falseで履歴に登録される。
func (s *Service) GenerateRoadmap(ctx context.Context, ownerID, subject, difficulty string, prefs model.LearningPreferences) (*RoadmapResult, error) {
	if subject == "" {
		return nil, model.NewInvalidHistoryError("subjectは必須です")
	}
	if difficulty == "" {
		return nil, model.NewInvalidHistoryError("difficultyは必須です")
	}

	roadmap, err := s.generator.GenerateRoadmap(ctx, subject, difficulty, prefs)
	if err != nil {
		if model.IsLogical(err) {
			return nil, err
		}
		s.logger.Error("ロードマップの生成に失敗しました",
			slog.String("owner_id", ownerID),
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		return nil, model.NewRoadmapUnavailableError()
	}

	roadmapID := uuid.New().String()

	seed := make([]model.ChapterProgress, len(roadmap.Chapters))
	for i, ch := range roadmap.Chapters {
		seed[i] = model.ChapterProgress{ChapterID: ch.ID}
	}

	history, err := s.users.AddToHistory(ctx, ownerID, model.HistoryInit{
		Subject:             subject,
		Difficulty:          difficulty,
		RoadmapID:           roadmapID,
		LearningPreferences: prefs,
		ChapterProgress:     seed,
	})
	if err != nil {
		return nil, fmt.Errorf("学習履歴のシードに失敗しました: %w", err)
	}

	s.logger.Info("ロードマップを生成しました",
		slog.String("owner_id", ownerID),
		slog.String("roadmap_id", roadmapID),
		slog.Int("chapter_count", len(roadmap.Chapters)),
	)

	return &RoadmapResult{
		RoadmapID: roadmapID,
		Roadmap:   roadmap,
		History:   history,
	}, nil
}

// GenerateDetailedCourse はロードマップの全チャプター本文を生成して保存する。
// 既に生成済みのコースがあればそれを返し、再生成はしない（冪等）。
// 生成された本文は保存前に必ずサニタイズされる。
func (s *Service) GenerateDetailedCourse(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error) {
	if roadmapID == "" {
		return nil, model.NewInvalidHistoryError("roadmap_idは必須です")
	}

	// キャッシュ済みならそのまま返す
	cached, err := s.users.GetDetailedCourse(ctx, ownerID, roadmapID)
	if err == nil {
		return cached, nil
	}
	if !model.IsNotFound(err) {
		return nil, err
	}

	// 履歴からロードマップの素性を引く
	history, err := s.findHistory(ctx, ownerID, roadmapID)
	if err != nil {
		return nil, err
	}

	chapters := make([]model.RoadmapChapter, len(history.ChapterProgress))
	for i, cp := range history.ChapterProgress {
		chapters[i] = model.RoadmapChapter{ID: cp.ChapterID}
	}

	generated, err := s.generator.GenerateCourse(ctx, history.Subject, history.Difficulty, chapters)
	if err != nil {
		if model.IsLogical(err) {
			return nil, err
		}
		s.logger.Error("コースの生成に失敗しました",
			slog.String("owner_id", ownerID),
			slog.String("roadmap_id", roadmapID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewRoadmapUnavailableError()
	}

	// 生成コンテンツは信頼しない。保存前にサニタイズする
	for i := range generated.Chapters {
		generated.Chapters[i].Content = s.sanitizer.Sanitize(generated.Chapters[i].Content)
	}

	course := &model.DetailedCourse{
		RoadmapID:   roadmapID,
		Title:       generated.Title,
		Description: generated.Description,
		Chapters:    generated.Chapters,
	}
	saved, err := s.users.SaveDetailedCourse(ctx, ownerID, course)
	if err != nil {
		return nil, fmt.Errorf("コースの保存に失敗しました: %w", err)
	}

	s.logger.Info("コースを生成しました",
		slog.String("owner_id", ownerID),
		slog.String("roadmap_id", roadmapID),
		slog.Int("chapter_count", len(saved.Chapters)),
	)
	return saved, nil
}

// GetDetailedCourse は生成済みコースを取得する。
func (s *Service) GetDetailedCourse(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error) {
	return s.users.GetDetailedCourse(ctx, ownerID, roadmapID)
}

// GenerateQuiz は指定チャプターの理解度確認クイズを生成する。
// クイズは永続化されず、検証後そのまま返す。
func (s *Service) GenerateQuiz(ctx context.Context, ownerID, roadmapID, chapterID string) (*model.Quiz, error) {
	if chapterID == "" {
		return nil, model.NewInvalidHistoryError("chapter_idは必須です")
	}

	course, err := s.users.GetDetailedCourse(ctx, ownerID, roadmapID)
	if err != nil {
		return nil, err
	}

	var chapter *model.RoadmapChapter
	for i := range course.Chapters {
		if course.Chapters[i].ID == chapterID {
			chapter = &course.Chapters[i]
			break
		}
	}
	if chapter == nil {
		return nil, model.NewInvalidHistoryError("指定されたチャプターがコースに存在しません: " + chapterID)
	}

	history, err := s.findHistory(ctx, ownerID, roadmapID)
	if err != nil {
		return nil, err
	}

	quiz, err := s.generator.GenerateQuiz(ctx, chapter.Title, chapter.Content, history.Difficulty)
	if err != nil {
		if model.IsLogical(err) {
			return nil, err
		}
		s.logger.Error("クイズの生成に失敗しました",
			slog.String("owner_id", ownerID),
			slog.String("roadmap_id", roadmapID),
			slog.String("chapter_id", chapterID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewQuizUnavailableError()
	}
	return quiz, nil
}

// findHistory はロードマップIDで履歴レコードを検索する。
func (s *Service) findHistory(ctx context.Context, ownerID, roadmapID string) (*model.LearningHistory, error) {
	histories, err := s.users.GetUserHistory(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, h := range histories {
		if h.RoadmapID == roadmapID {
			return h, nil
		}
	}
	return nil, model.NewHistoryNotFoundError(roadmapID)
}
