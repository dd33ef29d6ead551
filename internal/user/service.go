// Package user はユーザープロフィールと学習履歴のドメインロジックを提供する。
// 複数のストアバインディングを順序付きチェーンとして束ね、
// どのストアが生きていても同一の外部挙動を提供する統合サービス層。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hitoshi/learnman/internal/model"
	"github.com/hitoshi/learnman/internal/repository"
)

// Service はストアチェーンを前段から順に試行する統合サービス。
//
// フォールバック規約:
//   - トランスポート障害（通常のerror）のみ次のストアへ進む。
//   - *model.APIError（NotFound / ValidationFailure）は意図的な結果であり、
//     即座に呼び出し元へ返す。NotFoundでフォールバックすると
//     後段のストアに別レコードを捏造することになるため。
//   - 全ストアが到達不能な場合は最後のトランスポート障害を返す。
type Service struct {
	chain         []repository.StoreAdapter
	onFallback    func(from, to string)
	onStoreResult func(store string, success bool)
}

// NewService はServiceを生成する。chainは優先順で、先頭がプライマリ。
func NewService(chain ...repository.StoreAdapter) *Service {
	return &Service{chain: chain}
}

// OnFallback はフォールバック発生時のフックを設定する。メトリクス記録用。
func (s *Service) OnFallback(fn func(from, to string)) {
	s.onFallback = fn
}

// OnStoreResult はストア操作1回ごとの結果フックを設定する。メトリクス記録用。
// 論理エラー（APIError）はストア自体が応答しているため成功側に数える。
func (s *Service) OnStoreResult(fn func(store string, success bool)) {
	s.onStoreResult = fn
}

// Primary はチェーン先頭のストアを返す。リプレイワーカーの復元先となる。
func (s *Service) Primary() repository.StoreAdapter {
	return s.chain[0]
}

// execute はチェーンを順に試行する。フォールバック規約の実装は
// この1箇所に集約され、全操作が共有する。
func execute[T any](ctx context.Context, s *Service, op string, fn func(repository.StoreAdapter) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for i, store := range s.chain {
		result, err := fn(store)
		if s.onStoreResult != nil {
			s.onStoreResult(store.Name(), err == nil || model.IsLogical(err))
		}
		if err == nil {
			return result, nil
		}
		if model.IsLogical(err) {
			return zero, err
		}

		lastErr = err
		if i+1 < len(s.chain) {
			next := s.chain[i+1]
			slog.Warn("ストア障害によりフォールバックします",
				slog.String("operation", op),
				slog.String("from", store.Name()),
				slog.String("to", next.Name()),
				slog.String("error", err.Error()),
			)
			if s.onFallback != nil {
				s.onFallback(store.Name(), next.Name())
			}
		}
	}

	slog.Error("全ストアが到達不能です",
		slog.String("operation", op),
		slog.String("error", lastErr.Error()),
	)
	return zero, fmt.Errorf("%s: 全ストアが到達不能です: %w", op, lastErr)
}

// GetOrCreateUser はサインイン時の冪等なユーザー取得・作成。
// 同一external_idに対して何度呼んでも1プロフィールに収束する。
func (s *Service) GetOrCreateUser(ctx context.Context, identity model.IdentityInfo) (*model.UserProfile, error) {
	if identity.ExternalID == "" {
		return nil, model.NewInvalidProfileError("external_idは必須です")
	}
	return execute(ctx, s, "get_or_create_user", func(store repository.StoreAdapter) (*model.UserProfile, error) {
		return store.GetOrCreateUser(ctx, identity)
	})
}

// GetUserByID は内部IDでユーザーを取得する。セッション解決に使用する。
func (s *Service) GetUserByID(ctx context.Context, id string) (*model.UserProfile, error) {
	if id == "" {
		return nil, model.NewUserNotFoundError()
	}
	return execute(ctx, s, "get_user_by_id", func(store repository.StoreAdapter) (*model.UserProfile, error) {
		return store.GetUserByID(ctx, id)
	})
}

// UpdateUser はプロフィールの部分更新を行う。
func (s *Service) UpdateUser(ctx context.Context, id string, patch model.ProfilePatch) (*model.UserProfile, error) {
	if id == "" {
		return nil, model.NewInvalidProfileError("ユーザーIDは必須です")
	}
	if err := validatePatch(patch); err != nil {
		return nil, err
	}
	return execute(ctx, s, "update_user", func(store repository.StoreAdapter) (*model.UserProfile, error) {
		return store.UpdateUser(ctx, id, patch)
	})
}

// validatePatch は部分更新の各フィールドを検証する。
// nilフィールドは「変更しない」であり検証対象外。
func validatePatch(patch model.ProfilePatch) error {
	if patch.Email != nil {
		email := strings.TrimSpace(*patch.Email)
		if email == "" || !strings.Contains(email, "@") {
			return model.NewInvalidProfileError("emailの形式が不正です")
		}
	}
	if patch.FirstName != nil && strings.TrimSpace(*patch.FirstName) == "" {
		return model.NewInvalidProfileError("first_nameを空にはできません")
	}
	if patch.LastName != nil && strings.TrimSpace(*patch.LastName) == "" {
		return model.NewInvalidProfileError("last_nameを空にはできません")
	}
	// 空文字は「画像を外す」として許可する
	if patch.ImageURL != nil && *patch.ImageURL != "" {
		u, err := url.Parse(*patch.ImageURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return model.NewInvalidImageURLError()
		}
	}
	return nil
}

// UpdateAvatar はプロフィール画像のキャッシュを更新する。
func (s *Service) UpdateAvatar(ctx context.Context, id string, data []byte, mime string) error {
	_, err := execute(ctx, s, "update_avatar", func(store repository.StoreAdapter) (struct{}, error) {
		return struct{}{}, store.UpdateAvatar(ctx, id, data, mime)
	})
	return err
}

// GetUserHistory はユーザーの学習履歴をlast_accessed_at降順で返す。
func (s *Service) GetUserHistory(ctx context.Context, ownerID string) ([]*model.LearningHistory, error) {
	return execute(ctx, s, "get_user_history", func(store repository.StoreAdapter) ([]*model.LearningHistory, error) {
		return store.GetUserHistory(ctx, ownerID)
	})
}

// AddToHistory は新しい履歴レコードを作成する。
func (s *Service) AddToHistory(ctx context.Context, ownerID string, init model.HistoryInit) (*model.LearningHistory, error) {
	if err := init.Validate(); err != nil {
		return nil, err
	}
	return execute(ctx, s, "add_to_history", func(store repository.StoreAdapter) (*model.LearningHistory, error) {
		return store.AddToHistory(ctx, ownerID, init)
	})
}

// UpdateChapterProgress はチャプター進捗を冪等に更新する。
func (s *Service) UpdateChapterProgress(ctx context.Context, ownerID, historyID, chapterID string, completed bool) error {
	if historyID == "" {
		return model.NewInvalidHistoryError("history_idは必須です")
	}
	if chapterID == "" {
		return model.NewInvalidHistoryError("chapter_idは必須です")
	}
	_, err := execute(ctx, s, "update_chapter_progress", func(store repository.StoreAdapter) (struct{}, error) {
		return struct{}{}, store.UpdateChapterProgress(ctx, ownerID, historyID, chapterID, completed)
	})
	return err
}

// SaveDetailedCourse は生成済みコースを保存する。
func (s *Service) SaveDetailedCourse(ctx context.Context, ownerID string, course *model.DetailedCourse) (*model.DetailedCourse, error) {
	return execute(ctx, s, "save_detailed_course", func(store repository.StoreAdapter) (*model.DetailedCourse, error) {
		return store.SaveDetailedCourse(ctx, ownerID, course)
	})
}

// GetDetailedCourse は生成済みコースを取得する。
func (s *Service) GetDetailedCourse(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error) {
	return execute(ctx, s, "get_detailed_course", func(store repository.StoreAdapter) (*model.DetailedCourse, error) {
		return store.GetDetailedCourse(ctx, ownerID, roadmapID)
	})
}
