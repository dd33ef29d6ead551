package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/learnman/internal/model"
	"github.com/hitoshi/learnman/internal/repository"
)

// FallbackStore はローカルKVをStoreAdapterとして公開する最終フォールバック。
//
// キー設計はクライアントサイドストレージの保存形式をそのまま踏襲する:
//   - user_<externalId>              プロフィールJSON
//   - user_id_<id>                   内部ID → external_idの索引
//   - history_<ownerId>              履歴レコードの配列を1ブロブで保持
//   - course_<ownerId>_<roadmapId>   生成済みコースJSON
//
// 履歴は配列まるごとのread-modify-writeになるため、mutexで直列化する。
// 同時実行性よりも、外部ストア全滅時にもデータを失わないことを優先する。
type FallbackStore struct {
	mu sync.Mutex
	kv *KV
}

// NewFallbackStore はFallbackStoreを生成する。
func NewFallbackStore(kv *KV) *FallbackStore {
	return &FallbackStore{kv: kv}
}

// Name はストア名を返す。
func (s *FallbackStore) Name() string { return "local" }

// KV は下層のKVストアを返す。リプレイワーカーが使用する。
func (s *FallbackStore) KV() *KV { return s.kv }

func keyUser(externalID string) string           { return "user_" + externalID }
func keyUserID(id string) string                 { return "user_id_" + id }
func keyHistory(ownerID string) string           { return "history_" + ownerID }
func keyCourse(ownerID, roadmapID string) string { return "course_" + ownerID + "_" + roadmapID }

func (s *FallbackStore) loadUserByExternalID(ctx context.Context, externalID string) (*model.UserProfile, error) {
	raw, err := s.kv.Get(ctx, keyUser(externalID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, model.NewUserNotFoundError()
	}
	u := &model.UserProfile{}
	if err := json.Unmarshal(raw, u); err != nil {
		return nil, fmt.Errorf("ユーザーのデコードに失敗しました: %w", err)
	}
	return u, nil
}

func (s *FallbackStore) loadUserByID(ctx context.Context, id string) (*model.UserProfile, error) {
	ext, err := s.kv.Get(ctx, keyUserID(id))
	if err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, model.NewUserNotFoundError()
	}
	return s.loadUserByExternalID(ctx, string(ext))
}

func (s *FallbackStore) saveUser(ctx context.Context, u *model.UserProfile) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("ユーザーのエンコードに失敗しました: %w", err)
	}
	if err := s.kv.Put(ctx, keyUser(u.ExternalID), raw, KindUser, u.ID); err != nil {
		return err
	}
	return s.kv.PutClean(ctx, keyUserID(u.ID), []byte(u.ExternalID))
}

// GetOrCreateUser はexternal_idでユーザーをUPSERTする。
func (s *FallbackStore) GetOrCreateUser(ctx context.Context, identity model.IdentityInfo) (*model.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	user, err := s.loadUserByExternalID(ctx, identity.ExternalID)
	if model.IsNotFound(err) {
		user = &model.UserProfile{
			ID:         uuid.New().String(),
			ExternalID: identity.ExternalID,
			Email:      identity.Email,
			FirstName:  identity.FirstName,
			LastName:   identity.LastName,
			ImageURL:   identity.ImageURL,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.saveUser(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	}
	if err != nil {
		return nil, err
	}

	user.Email = identity.Email
	user.FirstName = identity.FirstName
	user.LastName = identity.LastName
	user.ImageURL = identity.ImageURL
	user.UpdatedAt = now
	if err := s.saveUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByID は内部IDでユーザーを取得する。
func (s *FallbackStore) GetUserByID(ctx context.Context, id string) (*model.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadUserByID(ctx, id)
}

// UpdateUser は指定フィールドのみを適用しupdated_atを更新する。
func (s *FallbackStore) UpdateUser(ctx context.Context, id string, patch model.ProfilePatch) (*model.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.loadUserByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Email != nil {
		user.Email = *patch.Email
	}
	if patch.FirstName != nil {
		user.FirstName = *patch.FirstName
	}
	if patch.LastName != nil {
		user.LastName = *patch.LastName
	}
	if patch.ImageURL != nil {
		user.ImageURL = *patch.ImageURL
	}
	user.UpdatedAt = time.Now().UTC()

	if err := s.saveUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// UpdateAvatar はプロフィール画像のキャッシュを更新する。
func (s *FallbackStore) UpdateAvatar(ctx context.Context, id string, data []byte, mime string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.loadUserByID(ctx, id)
	if err != nil {
		return err
	}
	user.AvatarData = data
	user.AvatarMime = mime
	user.UpdatedAt = time.Now().UTC()
	return s.saveUser(ctx, user)
}

func (s *FallbackStore) loadHistories(ctx context.Context, ownerID string) ([]*model.LearningHistory, error) {
	raw, err := s.kv.Get(ctx, keyHistory(ownerID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return []*model.LearningHistory{}, nil
	}
	histories := []*model.LearningHistory{}
	if err := json.Unmarshal(raw, &histories); err != nil {
		return nil, fmt.Errorf("学習履歴のデコードに失敗しました: %w", err)
	}
	return histories, nil
}

func (s *FallbackStore) saveHistories(ctx context.Context, ownerID string, histories []*model.LearningHistory) error {
	raw, err := json.Marshal(histories)
	if err != nil {
		return fmt.Errorf("学習履歴のエンコードに失敗しました: %w", err)
	}
	return s.kv.Put(ctx, keyHistory(ownerID), raw, KindHistory, ownerID)
}

// GetUserHistory はユーザーの学習履歴をlast_accessed_at降順で返す。
func (s *FallbackStore) GetUserHistory(ctx context.Context, ownerID string) ([]*model.LearningHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	histories, err := s.loadHistories(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(histories, func(i, j int) bool {
		return histories[i].LastAccessedAt.After(histories[j].LastAccessedAt)
	})
	return histories, nil
}

// AddToHistory は新しい履歴レコードを作成する。
func (s *FallbackStore) AddToHistory(ctx context.Context, ownerID string, init model.HistoryInit) (*model.LearningHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	histories, err := s.loadHistories(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, e := range histories {
		if e.RoadmapID == init.RoadmapID {
			return nil, model.NewDuplicateHistoryError(init.RoadmapID)
		}
	}

	now := time.Now().UTC()
	h := &model.LearningHistory{
		ID:                  uuid.New().String(),
		OwnerID:             ownerID,
		Subject:             init.Subject,
		Difficulty:          init.Difficulty,
		RoadmapID:           init.RoadmapID,
		LearningPreferences: init.LearningPreferences,
		ChapterProgress:     repository.SeedProgress(init.ChapterProgress, now),
		StartedAt:           now,
		LastAccessedAt:      now,
	}

	histories = append(histories, h)
	if err := s.saveHistories(ctx, ownerID, histories); err != nil {
		return nil, err
	}
	return h, nil
}

// UpdateChapterProgress は指定チャプターの進捗をUPSERTする。
func (s *FallbackStore) UpdateChapterProgress(ctx context.Context, ownerID, historyID, chapterID string, completed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	histories, err := s.loadHistories(ctx, ownerID)
	if err != nil {
		return err
	}

	for _, h := range histories {
		if h.ID != historyID {
			continue
		}
		repository.UpsertChapter(h, chapterID, completed, time.Now().UTC())
		return s.saveHistories(ctx, ownerID, histories)
	}
	return model.NewHistoryNotFoundError(historyID)
}

// SaveDetailedCourse は生成済みコースを(owner, roadmap_id)で冪等に保存する。
func (s *FallbackStore) SaveDetailedCourse(ctx context.Context, ownerID string, course *model.DetailedCourse) (*model.DetailedCourse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *course
	saved.OwnerID = ownerID
	saved.GeneratedAt = time.Now().UTC()
	if saved.ID == "" {
		saved.ID = uuid.New().String()
	}

	raw, err := json.Marshal(&saved)
	if err != nil {
		return nil, fmt.Errorf("コースのエンコードに失敗しました: %w", err)
	}
	if err := s.kv.Put(ctx, keyCourse(ownerID, saved.RoadmapID), raw, KindCourse, ownerID); err != nil {
		return nil, err
	}
	return &saved, nil
}

// GetDetailedCourse は生成済みコースを取得する。
func (s *FallbackStore) GetDetailedCourse(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.Get(ctx, keyCourse(ownerID, roadmapID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, model.NewCourseNotFoundError(roadmapID)
	}

	c := &model.DetailedCourse{}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("コースのデコードに失敗しました: %w", err)
	}
	return c, nil
}

// compile-time interface check
var _ repository.StoreAdapter = (*FallbackStore)(nil)
