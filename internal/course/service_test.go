package course

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/hitoshi/learnman/internal/model"
	"github.com/hitoshi/learnman/internal/security"
)

// --- モック ---

type mockGenerator struct {
	generateRoadmapFn func(ctx context.Context, subject, difficulty string, prefs model.LearningPreferences) (*model.Roadmap, error)
	generateCourseFn  func(ctx context.Context, subject, difficulty string, chapters []model.RoadmapChapter) (*model.Roadmap, error)
	generateQuizFn    func(ctx context.Context, chapterTitle, chapterContent, difficulty string) (*model.Quiz, error)
}

func (m *mockGenerator) GenerateRoadmap(ctx context.Context, subject, difficulty string, prefs model.LearningPreferences) (*model.Roadmap, error) {
	return m.generateRoadmapFn(ctx, subject, difficulty, prefs)
}

func (m *mockGenerator) GenerateCourse(ctx context.Context, subject, difficulty string, chapters []model.RoadmapChapter) (*model.Roadmap, error) {
	return m.generateCourseFn(ctx, subject, difficulty, chapters)
}

func (m *mockGenerator) GenerateQuiz(ctx context.Context, chapterTitle, chapterContent, difficulty string) (*model.Quiz, error) {
	return m.generateQuizFn(ctx, chapterTitle, chapterContent, difficulty)
}

type mockUserStore struct {
	addToHistoryFn       func(ctx context.Context, ownerID string, init model.HistoryInit) (*model.LearningHistory, error)
	getUserHistoryFn     func(ctx context.Context, ownerID string) ([]*model.LearningHistory, error)
	saveDetailedCourseFn func(ctx context.Context, ownerID string, course *model.DetailedCourse) (*model.DetailedCourse, error)
	getDetailedCourseFn  func(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error)
}

func (m *mockUserStore) AddToHistory(ctx context.Context, ownerID string, init model.HistoryInit) (*model.LearningHistory, error) {
	return m.addToHistoryFn(ctx, ownerID, init)
}

func (m *mockUserStore) GetUserHistory(ctx context.Context, ownerID string) ([]*model.LearningHistory, error) {
	return m.getUserHistoryFn(ctx, ownerID)
}

func (m *mockUserStore) SaveDetailedCourse(ctx context.Context, ownerID string, course *model.DetailedCourse) (*model.DetailedCourse, error) {
	return m.saveDetailedCourseFn(ctx, ownerID, course)
}

func (m *mockUserStore) GetDetailedCourse(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error) {
	return m.getDetailedCourseFn(ctx, ownerID, roadmapID)
}

func newTestService(gen *mockGenerator, store *mockUserStore) *Service {
	return NewService(gen, store, security.NewContentSanitizer(), slog.Default())
}

// --- テスト ---

// TestService_GenerateRoadmap はロードマップ生成が履歴をシードし、
// 採番されたロードマップIDが履歴と結果で一致することを検証する。
func TestService_GenerateRoadmap(t *testing.T) {
	gen := &mockGenerator{
		generateRoadmapFn: func(ctx context.Context, subject, difficulty string, prefs model.LearningPreferences) (*model.Roadmap, error) {
			return &model.Roadmap{
				Title: "Go入門",
				Chapters: []model.RoadmapChapter{
					{ID: "ch-1", Title: "環境構築"},
					{ID: "ch-2", Title: "型と関数"},
				},
			}, nil
		},
	}

	var seededInit model.HistoryInit
	store := &mockUserStore{
		addToHistoryFn: func(ctx context.Context, ownerID string, init model.HistoryInit) (*model.LearningHistory, error) {
			seededInit = init
			return &model.LearningHistory{
				ID:              "hist-1",
				OwnerID:         ownerID,
				RoadmapID:       init.RoadmapID,
				ChapterProgress: init.ChapterProgress,
			}, nil
		},
	}

	svc := newTestService(gen, store)

	result, err := svc.GenerateRoadmap(context.Background(), "user-1", "Go", "beginner", model.LearningPreferences{
		LearningStyle:  "visual",
		TimeCommitment: "2h/week",
	})
	if err != nil {
		t.Fatalf("GenerateRoadmap returned error: %v", err)
	}
	if result.RoadmapID == "" {
		t.Fatal("expected non-empty roadmap id")
	}
	if result.History.RoadmapID != result.RoadmapID {
		t.Errorf("history RoadmapID = %q, want %q", result.History.RoadmapID, result.RoadmapID)
	}
	if len(seededInit.ChapterProgress) != 2 {
		t.Fatalf("seeded chapters = %d, want 2", len(seededInit.ChapterProgress))
	}
	for _, cp := range seededInit.ChapterProgress {
		if cp.Completed {
			t.Errorf("chapter %q seeded as completed, want incomplete", cp.ChapterID)
		}
	}
}

// TestService_GenerateRoadmap_TransportErrorMapsToUnavailable は生成サービスの
// トランスポート障害がROADMAP_UNAVAILABLEに変換されることを検証する。
func TestService_GenerateRoadmap_TransportErrorMapsToUnavailable(t *testing.T) {
	gen := &mockGenerator{
		generateRoadmapFn: func(ctx context.Context, subject, difficulty string, prefs model.LearningPreferences) (*model.Roadmap, error) {
			return nil, errors.New("connection refused")
		},
	}

	svc := newTestService(gen, &mockUserStore{})

	_, err := svc.GenerateRoadmap(context.Background(), "user-1", "Go", "beginner", model.LearningPreferences{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeRoadmapUnavailable {
		t.Fatalf("expected ROADMAP_UNAVAILABLE, got %v", err)
	}
}

// TestService_GenerateRoadmap_LogicalErrorPassesThrough はスキーマ検証エラーが
// 変換されずそのまま返ることを検証する。
func TestService_GenerateRoadmap_LogicalErrorPassesThrough(t *testing.T) {
	gen := &mockGenerator{
		generateRoadmapFn: func(ctx context.Context, subject, difficulty string, prefs model.LearningPreferences) (*model.Roadmap, error) {
			return nil, model.NewMalformedAIResponseError("titleが空です")
		},
	}

	svc := newTestService(gen, &mockUserStore{})

	_, err := svc.GenerateRoadmap(context.Background(), "user-1", "Go", "beginner", model.LearningPreferences{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeMalformedAIResponse {
		t.Fatalf("expected MALFORMED_AI_RESPONSE passthrough, got %v", err)
	}
}

// TestService_GenerateDetailedCourse_ReturnsCachedCourse は生成済みコースが
// ある場合に再生成せずキャッシュを返すことを検証する。
func TestService_GenerateDetailedCourse_ReturnsCachedCourse(t *testing.T) {
	generatorCalled := false
	gen := &mockGenerator{
		generateCourseFn: func(ctx context.Context, subject, difficulty string, chapters []model.RoadmapChapter) (*model.Roadmap, error) {
			generatorCalled = true
			return nil, nil
		},
	}
	store := &mockUserStore{
		getDetailedCourseFn: func(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error) {
			return &model.DetailedCourse{ID: "course-1", RoadmapID: roadmapID}, nil
		},
	}

	svc := newTestService(gen, store)

	course, err := svc.GenerateDetailedCourse(context.Background(), "user-1", "roadmap-1")
	if err != nil {
		t.Fatalf("GenerateDetailedCourse returned error: %v", err)
	}
	if course.ID != "course-1" {
		t.Errorf("course ID = %q, want cached course-1", course.ID)
	}
	if generatorCalled {
		t.Error("generator must not be called when a cached course exists")
	}
}

// TestService_GenerateDetailedCourse_SanitizesContent は生成本文が保存前に
// サニタイズされることを検証する。
func TestService_GenerateDetailedCourse_SanitizesContent(t *testing.T) {
	gen := &mockGenerator{
		generateCourseFn: func(ctx context.Context, subject, difficulty string, chapters []model.RoadmapChapter) (*model.Roadmap, error) {
			return &model.Roadmap{
				Title: "Go入門",
				Chapters: []model.RoadmapChapter{
					{ID: "ch-1", Title: "環境構築", Content: `<p>本文</p><script>alert(1)</script>`},
				},
			}, nil
		},
	}

	var savedCourse *model.DetailedCourse
	store := &mockUserStore{
		getDetailedCourseFn: func(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error) {
			return nil, model.NewCourseNotFoundError(roadmapID)
		},
		getUserHistoryFn: func(ctx context.Context, ownerID string) ([]*model.LearningHistory, error) {
			return []*model.LearningHistory{
				{
					ID: "hist-1", RoadmapID: "roadmap-1", Subject: "Go", Difficulty: "beginner",
					ChapterProgress: []model.ChapterProgress{{ChapterID: "ch-1"}},
				},
			}, nil
		},
		saveDetailedCourseFn: func(ctx context.Context, ownerID string, course *model.DetailedCourse) (*model.DetailedCourse, error) {
			savedCourse = course
			return course, nil
		},
	}

	svc := newTestService(gen, store)

	_, err := svc.GenerateDetailedCourse(context.Background(), "user-1", "roadmap-1")
	if err != nil {
		t.Fatalf("GenerateDetailedCourse returned error: %v", err)
	}
	if savedCourse == nil {
		t.Fatal("expected course to be saved")
	}
	content := savedCourse.Chapters[0].Content
	if strings.Contains(content, "<script>") {
		t.Errorf("saved content contains script tag: %q", content)
	}
	if !strings.Contains(content, "<p>本文</p>") {
		t.Errorf("saved content lost safe markup: %q", content)
	}
}

// TestService_GenerateDetailedCourse_UnknownRoadmap は履歴にないロードマップIDが
// NotFoundになることを検証する。
func TestService_GenerateDetailedCourse_UnknownRoadmap(t *testing.T) {
	store := &mockUserStore{
		getDetailedCourseFn: func(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error) {
			return nil, model.NewCourseNotFoundError(roadmapID)
		},
		getUserHistoryFn: func(ctx context.Context, ownerID string) ([]*model.LearningHistory, error) {
			return nil, nil
		},
	}

	svc := newTestService(&mockGenerator{}, store)

	_, err := svc.GenerateDetailedCourse(context.Background(), "user-1", "unknown-roadmap")
	if !model.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

// TestService_GenerateQuiz はクイズ生成がコースのチャプター本文と履歴の
// 難易度を生成器に渡すことを検証する。
func TestService_GenerateQuiz(t *testing.T) {
	var gotTitle, gotContent, gotDifficulty string
	gen := &mockGenerator{
		generateQuizFn: func(ctx context.Context, chapterTitle, chapterContent, difficulty string) (*model.Quiz, error) {
			gotTitle, gotContent, gotDifficulty = chapterTitle, chapterContent, difficulty
			return &model.Quiz{ChapterTitle: chapterTitle}, nil
		},
	}
	store := &mockUserStore{
		getDetailedCourseFn: func(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error) {
			return &model.DetailedCourse{
				RoadmapID: roadmapID,
				Chapters: []model.RoadmapChapter{
					{ID: "ch-1", Title: "型と関数", Content: "<p>本文</p>"},
				},
			}, nil
		},
		getUserHistoryFn: func(ctx context.Context, ownerID string) ([]*model.LearningHistory, error) {
			return []*model.LearningHistory{
				{ID: "hist-1", RoadmapID: "roadmap-1", Difficulty: "advanced"},
			}, nil
		},
	}

	svc := newTestService(gen, store)

	quiz, err := svc.GenerateQuiz(context.Background(), "user-1", "roadmap-1", "ch-1")
	if err != nil {
		t.Fatalf("GenerateQuiz returned error: %v", err)
	}
	if quiz.ChapterTitle != "型と関数" {
		t.Errorf("ChapterTitle = %q, want 型と関数", quiz.ChapterTitle)
	}
	if gotTitle != "型と関数" || gotContent != "<p>本文</p>" || gotDifficulty != "advanced" {
		t.Errorf("generator inputs = (%q, %q, %q), want chapter title/content and history difficulty",
			gotTitle, gotContent, gotDifficulty)
	}
}

// TestService_GenerateQuiz_UnknownChapter はコースに存在しないチャプターIDが
// 検証エラーになることを検証する。
func TestService_GenerateQuiz_UnknownChapter(t *testing.T) {
	store := &mockUserStore{
		getDetailedCourseFn: func(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error) {
			return &model.DetailedCourse{
				RoadmapID: roadmapID,
				Chapters:  []model.RoadmapChapter{{ID: "ch-1", Title: "a"}},
			}, nil
		},
	}

	svc := newTestService(&mockGenerator{}, store)

	_, err := svc.GenerateQuiz(context.Background(), "user-1", "roadmap-1", "ch-99")
	if !model.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
