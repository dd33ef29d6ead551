package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/learnman/internal/course"
	"github.com/hitoshi/learnman/internal/middleware"
	"github.com/hitoshi/learnman/internal/model"
	"github.com/hitoshi/learnman/internal/ratetrack"
)

// CourseServiceInterface はコースハンドラーが必要とするサービスインターフェース。
type CourseServiceInterface interface {
	GenerateRoadmap(ctx context.Context, ownerID, subject, difficulty string, prefs model.LearningPreferences) (*course.RoadmapResult, error)
	GenerateDetailedCourse(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error)
	GetDetailedCourse(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error)
	GenerateQuiz(ctx context.Context, ownerID, roadmapID, chapterID string) (*model.Quiz, error)
}

// StatusProvider はAPIキー使用状況のスナップショットを提供する。
type StatusProvider interface {
	Snapshot() ratetrack.Status
}

// CourseHandler はロードマップ・コース・クイズ生成のHTTPハンドラー。
type CourseHandler struct {
	service CourseServiceInterface
	status  StatusProvider
}

// NewCourseHandler はCourseHandlerを生成する。
func NewCourseHandler(service CourseServiceInterface, status StatusProvider) *CourseHandler {
	return &CourseHandler{
		service: service,
		status:  status,
	}
}

// generateRoadmapRequest はロードマップ生成リクエストのボディ。
type generateRoadmapRequest struct {
	Subject             string                    `json:"subject"`
	Difficulty          string                    `json:"difficulty"`
	LearningPreferences model.LearningPreferences `json:"learning_preferences"`
}

// GenerateRoadmap はロードマップを生成し、学習履歴をシードする。
// POST /api/ai/roadmap
func (h *CourseHandler) GenerateRoadmap(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req generateRoadmapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	result, err := h.service.GenerateRoadmap(r.Context(), userID, req.Subject, req.Difficulty, req.LearningPreferences)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// GenerateCourse はロードマップの詳細コースを生成する。
// 生成済みの場合はキャッシュを返す（冪等）。
// POST /api/ai/courses/{roadmapId}
func (h *CourseHandler) GenerateCourse(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	roadmapID := chi.URLParam(r, "roadmapId")

	detailed, err := h.service.GenerateDetailedCourse(r.Context(), userID, roadmapID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(detailed)
}

// GetCourse は生成済みコースを取得する。
// GET /api/courses/{roadmapId}
func (h *CourseHandler) GetCourse(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	roadmapID := chi.URLParam(r, "roadmapId")

	detailed, err := h.service.GetDetailedCourse(r.Context(), userID, roadmapID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(detailed)
}

// GenerateQuiz はチャプターの理解度確認クイズを生成する。
// POST /api/ai/quiz/{roadmapId}/{chapterId}
func (h *CourseHandler) GenerateQuiz(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	roadmapID := chi.URLParam(r, "roadmapId")
	chapterID := chi.URLParam(r, "chapterId")

	quiz, err := h.service.GenerateQuiz(r.Context(), userID, roadmapID, chapterID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(quiz)
}

// AIStatus はAPIキーの使用状況を返す。
// フロントエンドは生成ボタンの活性制御に使用する。
// GET /api/ai/status
func (h *CourseHandler) AIStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.status.Snapshot())
}
