package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/learnman/internal/middleware"
	"github.com/hitoshi/learnman/internal/model"
)

// HistoryServiceInterface は履歴ハンドラーが必要とするサービスインターフェース。
type HistoryServiceInterface interface {
	GetUserHistory(ctx context.Context, ownerID string) ([]*model.LearningHistory, error)
	AddToHistory(ctx context.Context, ownerID string, init model.HistoryInit) (*model.LearningHistory, error)
	UpdateChapterProgress(ctx context.Context, ownerID, historyID, chapterID string, completed bool) error
}

// HistoryHandler は学習履歴のHTTPハンドラー。
type HistoryHandler struct {
	service HistoryServiceInterface
}

// NewHistoryHandler はHistoryHandlerを生成する。
func NewHistoryHandler(service HistoryServiceInterface) *HistoryHandler {
	return &HistoryHandler{service: service}
}

// addHistoryRequest は履歴追加リクエストのボディ。
type addHistoryRequest struct {
	Subject             string                    `json:"subject"`
	Difficulty          string                    `json:"difficulty"`
	RoadmapID           string                    `json:"roadmap_id"`
	LearningPreferences model.LearningPreferences `json:"learning_preferences"`
	ChapterIDs          []string                  `json:"chapter_ids"`
}

// updateProgressRequest はチャプター進捗更新リクエストのボディ。
type updateProgressRequest struct {
	Completed bool `json:"completed"`
}

// ListHistory はユーザーの学習履歴一覧を返す。
// 並び順はlast_accessed_at降順。履歴がない場合は空配列を返す。
// GET /api/history
func (h *HistoryHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	histories, err := h.service.GetUserHistory(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(histories)
}

// AddHistory は学習履歴を追加する。
// POST /api/history
func (h *HistoryHandler) AddHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req addHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	seed := make([]model.ChapterProgress, len(req.ChapterIDs))
	for i, id := range req.ChapterIDs {
		seed[i] = model.ChapterProgress{ChapterID: id}
	}

	history, err := h.service.AddToHistory(r.Context(), userID, model.HistoryInit{
		Subject:             req.Subject,
		Difficulty:          req.Difficulty,
		RoadmapID:           req.RoadmapID,
		LearningPreferences: req.LearningPreferences,
		ChapterProgress:     seed,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(history)
}

// UpdateChapterProgress はチャプターの進捗を更新する。
// 冪等: 同じ状態への更新を繰り返しても完了時刻は変わらない。
// PUT /api/history/{id}/chapters/{chapterId}
func (h *HistoryHandler) UpdateChapterProgress(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	historyID := chi.URLParam(r, "id")
	chapterID := chi.URLParam(r, "chapterId")

	var req updateProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	if err := h.service.UpdateChapterProgress(r.Context(), userID, historyID, chapterID, req.Completed); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
