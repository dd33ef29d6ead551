package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/learnman/internal/model"
)

// RedisStore はRedisをドキュメントストアとして使用するStoreAdapter実装。
//
// キー設計:
//   - user:{id}                 プロフィールJSON
//   - user_ext:{externalId}     external_id → 内部IDの索引
//   - history:{ownerId}:{id}    履歴レコードJSON
//   - history_idx:{ownerId}     ZSET。score=last_accessed_atのUnixナノ秒
//   - course:{ownerId}:{roadmapId}  生成済みコースJSON
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Name はストア名を返す。
func (s *RedisStore) Name() string { return "redis" }

// Ping はRedisへの疎通を確認する。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func userKey(id string) string                   { return "user:" + id }
func userExtKey(externalID string) string        { return "user_ext:" + externalID }
func historyKey(ownerID, id string) string       { return "history:" + ownerID + ":" + id }
func historyIdxKey(ownerID string) string        { return "history_idx:" + ownerID }
func courseKey(ownerID, roadmapID string) string { return "course:" + ownerID + ":" + roadmapID }

func (s *RedisStore) getUser(ctx context.Context, id string) (*model.UserProfile, error) {
	raw, err := s.client.Get(ctx, userKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.NewUserNotFoundError()
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	u := &model.UserProfile{}
	if err := json.Unmarshal(raw, u); err != nil {
		return nil, fmt.Errorf("ユーザーのデコードに失敗しました: %w", err)
	}
	return u, nil
}

func (s *RedisStore) putUser(ctx context.Context, u *model.UserProfile) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("ユーザーのエンコードに失敗しました: %w", err)
	}
	if err := s.client.Set(ctx, userKey(u.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("ユーザーの保存に失敗しました: %w", err)
	}
	return nil
}

// GetOrCreateUser はexternal_id索引でユーザーをUPSERTする。
// 索引の登録はSETNXで行い、同時実行のサインインが競合した場合は
// 負けた側が勝った側のIDを読み直すことで重複プロフィールを防ぐ。
func (s *RedisStore) GetOrCreateUser(ctx context.Context, identity model.IdentityInfo) (*model.UserProfile, error) {
	now := time.Now().UTC()

	id, err := s.client.Get(ctx, userExtKey(identity.ExternalID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("external_id索引の取得に失敗しました: %w", err)
	}

	if errors.Is(err, redis.Nil) {
		newID := uuid.New().String()
		claimed, err := s.client.SetNX(ctx, userExtKey(identity.ExternalID), newID, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("external_id索引の登録に失敗しました: %w", err)
		}
		if claimed {
			user := &model.UserProfile{
				ID:         newID,
				ExternalID: identity.ExternalID,
				Email:      identity.Email,
				FirstName:  identity.FirstName,
				LastName:   identity.LastName,
				ImageURL:   identity.ImageURL,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := s.putUser(ctx, user); err != nil {
				return nil, err
			}
			return user, nil
		}
		// 競合に負けた場合は勝った側のIDを読み直す
		id, err = s.client.Get(ctx, userExtKey(identity.ExternalID)).Result()
		if err != nil {
			return nil, fmt.Errorf("external_id索引の再取得に失敗しました: %w", err)
		}
	}

	user, err := s.getUser(ctx, id)
	if err != nil {
		return nil, err
	}

	user.Email = identity.Email
	user.FirstName = identity.FirstName
	user.LastName = identity.LastName
	user.ImageURL = identity.ImageURL
	user.UpdatedAt = now
	if err := s.putUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByID は内部IDでユーザーを取得する。
func (s *RedisStore) GetUserByID(ctx context.Context, id string) (*model.UserProfile, error) {
	return s.getUser(ctx, id)
}

// UpdateUser は指定フィールドのみを適用しupdated_atを更新する。
func (s *RedisStore) UpdateUser(ctx context.Context, id string, patch model.ProfilePatch) (*model.UserProfile, error) {
	user, err := s.getUser(ctx, id)
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

	if err := s.putUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// UpdateAvatar はプロフィール画像のキャッシュを更新する。
func (s *RedisStore) UpdateAvatar(ctx context.Context, id string, data []byte, mime string) error {
	user, err := s.getUser(ctx, id)
	if err != nil {
		return err
	}
	user.AvatarData = data
	user.AvatarMime = mime
	user.UpdatedAt = time.Now().UTC()
	return s.putUser(ctx, user)
}

func (s *RedisStore) putHistory(ctx context.Context, h *model.LearningHistory) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("学習履歴のエンコードに失敗しました: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, historyKey(h.OwnerID, h.ID), raw, 0)
	pipe.ZAdd(ctx, historyIdxKey(h.OwnerID), redis.Z{
		Score:  float64(h.LastAccessedAt.UnixNano()),
		Member: h.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("学習履歴の保存に失敗しました: %w", err)
	}
	return nil
}

// GetUserHistory はユーザーの学習履歴をlast_accessed_at降順で返す。
// ZSET索引を降順に走査し、各レコードをまとめて取得する。
func (s *RedisStore) GetUserHistory(ctx context.Context, ownerID string) ([]*model.LearningHistory, error) {
	ids, err := s.client.ZRevRange(ctx, historyIdxKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("学習履歴索引の取得に失敗しました: %w", err)
	}

	histories := []*model.LearningHistory{}
	if len(ids) == 0 {
		return histories, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = historyKey(ownerID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("学習履歴の一括取得に失敗しました: %w", err)
	}

	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// 索引に残った削除済みレコードはスキップ
			continue
		}
		h := &model.LearningHistory{}
		if err := json.Unmarshal([]byte(raw), h); err != nil {
			return nil, fmt.Errorf("学習履歴のデコードに失敗しました: %w", err)
		}
		histories = append(histories, h)
	}
	return histories, nil
}

// AddToHistory は新しい履歴レコードを作成する。
// PostgresStoreの(owner_id, roadmap_id)一意制約と同じ規則を
// 索引の走査で強制し、バインディング間で挙動を揃える。
func (s *RedisStore) AddToHistory(ctx context.Context, ownerID string, init model.HistoryInit) (*model.LearningHistory, error) {
	existing, err := s.GetUserHistory(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
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
		ChapterProgress:     SeedProgress(init.ChapterProgress, now),
		StartedAt:           now,
		LastAccessedAt:      now,
	}
	if err := s.putHistory(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// UpdateChapterProgress は指定チャプターの進捗をUPSERTする。
// read-modify-writeのため、遷移規則はUpsertChapterに委譲する。
func (s *RedisStore) UpdateChapterProgress(ctx context.Context, ownerID, historyID, chapterID string, completed bool) error {
	raw, err := s.client.Get(ctx, historyKey(ownerID, historyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.NewHistoryNotFoundError(historyID)
	}
	if err != nil {
		return fmt.Errorf("学習履歴の取得に失敗しました: %w", err)
	}

	h := &model.LearningHistory{}
	if err := json.Unmarshal(raw, h); err != nil {
		return fmt.Errorf("学習履歴のデコードに失敗しました: %w", err)
	}

	UpsertChapter(h, chapterID, completed, time.Now().UTC())
	return s.putHistory(ctx, h)
}

// SaveDetailedCourse は生成済みコースを(owner, roadmap_id)で冪等に保存する。
func (s *RedisStore) SaveDetailedCourse(ctx context.Context, ownerID string, course *model.DetailedCourse) (*model.DetailedCourse, error) {
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
	if err := s.client.Set(ctx, courseKey(ownerID, saved.RoadmapID), raw, 0).Err(); err != nil {
		return nil, fmt.Errorf("コースの保存に失敗しました: %w", err)
	}
	return &saved, nil
}

// GetDetailedCourse は生成済みコースを取得する。
func (s *RedisStore) GetDetailedCourse(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error) {
	raw, err := s.client.Get(ctx, courseKey(ownerID, roadmapID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.NewCourseNotFoundError(roadmapID)
	}
	if err != nil {
		return nil, fmt.Errorf("コースの取得に失敗しました: %w", err)
	}

	c := &model.DetailedCourse{}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("コースのデコードに失敗しました: %w", err)
	}
	return c, nil
}

// RestoreUser は退避されたプロフィールをexternal_id索引経由でUPSERTする。
// 索引に既存の内部IDが登録されている場合はそのIDを正として上書きする。
func (s *RedisStore) RestoreUser(ctx context.Context, user *model.UserProfile) (*model.UserProfile, error) {
	restored := *user

	id, err := s.client.Get(ctx, userExtKey(user.ExternalID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("external_id索引の取得に失敗しました: %w", err)
	}
	if err == nil {
		restored.ID = id
	} else {
		if err := s.client.Set(ctx, userExtKey(user.ExternalID), user.ID, 0).Err(); err != nil {
			return nil, fmt.Errorf("external_id索引の登録に失敗しました: %w", err)
		}
	}

	if err := s.putUser(ctx, &restored); err != nil {
		return nil, err
	}
	return &restored, nil
}

// RestoreHistory は退避された履歴レコードを上書き保存する。
func (s *RedisStore) RestoreHistory(ctx context.Context, ownerID string, history *model.LearningHistory) error {
	restored := *history
	restored.OwnerID = ownerID
	return s.putHistory(ctx, &restored)
}

// RestoreCourse は退避されたコースをgenerated_atを維持したまま上書き保存する。
func (s *RedisStore) RestoreCourse(ctx context.Context, ownerID string, course *model.DetailedCourse) error {
	restored := *course
	restored.OwnerID = ownerID

	raw, err := json.Marshal(&restored)
	if err != nil {
		return fmt.Errorf("コースのエンコードに失敗しました: %w", err)
	}
	if err := s.client.Set(ctx, courseKey(ownerID, restored.RoadmapID), raw, 0).Err(); err != nil {
		return fmt.Errorf("コースの復元に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ StoreAdapter = (*RedisStore)(nil)
var _ Restorer = (*RedisStore)(nil)
