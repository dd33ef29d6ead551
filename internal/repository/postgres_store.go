package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/learnman/internal/model"
)

// PostgresStore はPostgreSQLを使用したStoreAdapter実装。
// 所有権の強制は全クエリへのowner_id条件付与で行い、
// 他ユーザーのレコードへのアクセスはNotFoundとして扱う。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Name はストア名を返す。
func (s *PostgresStore) Name() string { return "postgres" }

const userColumns = `id, external_id, email, first_name, last_name, image_url, avatar_data, avatar_mime, created_at, updated_at`

// scanUser は1行分のユーザーレコードを読み取る。
func scanUser(row *sql.Row) (*model.UserProfile, error) {
	u := &model.UserProfile{}
	var avatarData []byte
	err := row.Scan(
		&u.ID, &u.ExternalID, &u.Email, &u.FirstName, &u.LastName,
		&u.ImageURL, &avatarData, &u.AvatarMime, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.AvatarData = avatarData
	return u, nil
}

// GetOrCreateUser はexternal_idでユーザーをUPSERTする。
// UNIQUE(external_id)制約を利用したINSERT ON CONFLICTにより、
// 同時実行のサインインが競合しても重複プロフィールを作成しない。
// created_atは初回INSERT時のみ設定され、以降の呼び出しでは維持される。
func (s *PostgresStore) GetOrCreateUser(ctx context.Context, identity model.IdentityInfo) (*model.UserProfile, error) {
	now := time.Now().UTC()

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (id, external_id, email, first_name, last_name, image_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (external_id) DO UPDATE SET
		     email      = EXCLUDED.email,
		     first_name = EXCLUDED.first_name,
		     last_name  = EXCLUDED.last_name,
		     image_url  = EXCLUDED.image_url,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+userColumns,
		uuid.New().String(), identity.ExternalID, identity.Email,
		identity.FirstName, identity.LastName, identity.ImageURL, now,
	)

	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("ユーザーのUPSERTに失敗しました: %w", err)
	}
	return user, nil
}

// GetUserByID は内部IDでユーザーを取得する。
func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*model.UserProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)

	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, model.NewUserNotFoundError()
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return user, nil
}

// UpdateUser は指定フィールドのみを適用しupdated_atを更新する。
// nilフィールドはCOALESCEにより既存の値を維持する。
func (s *PostgresStore) UpdateUser(ctx context.Context, id string, patch model.ProfilePatch) (*model.UserProfile, error) {
	now := time.Now().UTC()

	row := s.db.QueryRowContext(ctx,
		`UPDATE users SET
		     email      = COALESCE($2, email),
		     first_name = COALESCE($3, first_name),
		     last_name  = COALESCE($4, last_name),
		     image_url  = COALESCE($5, image_url),
		     updated_at = $6
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, patch.Email, patch.FirstName, patch.LastName, patch.ImageURL, now,
	)

	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, model.NewUserNotFoundError()
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
	}
	return user, nil
}

// UpdateAvatar はプロフィール画像のキャッシュを更新する。
func (s *PostgresStore) UpdateAvatar(ctx context.Context, id string, data []byte, mime string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET avatar_data = $2, avatar_mime = $3, updated_at = $4 WHERE id = $1`,
		id, data, mime, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("アバターの更新に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("アバター更新行数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return model.NewUserNotFoundError()
	}
	return nil
}

const historyColumns = `id, owner_id, subject, difficulty, roadmap_id, learning_preferences, chapter_progress, started_at, last_accessed_at, completed_at`

// scanHistory は1行分の履歴レコードを読み取る。
// JSONBカラムはバイト列として受け取りデコードする。
func scanHistory(scan func(dest ...any) error) (*model.LearningHistory, error) {
	h := &model.LearningHistory{}
	var prefs, progress []byte
	var completedAt sql.NullTime

	err := scan(
		&h.ID, &h.OwnerID, &h.Subject, &h.Difficulty, &h.RoadmapID,
		&prefs, &progress, &h.StartedAt, &h.LastAccessedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(prefs, &h.LearningPreferences); err != nil {
		return nil, fmt.Errorf("学習設定のデコードに失敗しました: %w", err)
	}
	if err := json.Unmarshal(progress, &h.ChapterProgress); err != nil {
		return nil, fmt.Errorf("チャプター進捗のデコードに失敗しました: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		h.CompletedAt = &t
	}
	return h, nil
}

// GetUserHistory はユーザーの学習履歴をlast_accessed_at降順で返す。
// 履歴が存在しない場合は空スライスを返す。
func (s *PostgresStore) GetUserHistory(ctx context.Context, ownerID string) ([]*model.LearningHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM learning_history
		 WHERE owner_id = $1 ORDER BY last_accessed_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("学習履歴一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	histories := []*model.LearningHistory{}
	for rows.Next() {
		h, err := scanHistory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("学習履歴行の読み取りに失敗しました: %w", err)
		}
		histories = append(histories, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("学習履歴一覧の走査に失敗しました: %w", err)
	}
	return histories, nil
}

// AddToHistory は新しい履歴レコードを作成する。
func (s *PostgresStore) AddToHistory(ctx context.Context, ownerID string, init model.HistoryInit) (*model.LearningHistory, error) {
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

	prefs, err := json.Marshal(h.LearningPreferences)
	if err != nil {
		return nil, fmt.Errorf("学習設定のエンコードに失敗しました: %w", err)
	}
	progress, err := json.Marshal(h.ChapterProgress)
	if err != nil {
		return nil, fmt.Errorf("チャプター進捗のエンコードに失敗しました: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learning_history
		     (id, owner_id, subject, difficulty, roadmap_id, learning_preferences, chapter_progress, started_at, last_accessed_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, NULL)`,
		h.ID, h.OwnerID, h.Subject, h.Difficulty, h.RoadmapID, prefs, progress, now,
	)
	if err != nil {
		// 一意制約違反は論理エラー。プレーンなerrorで返すと
		// トランスポート障害扱いでフォールバックし、別ストアに重複を作ってしまう。
		if isUniqueViolation(err) {
			return nil, model.NewDuplicateHistoryError(init.RoadmapID)
		}
		return nil, fmt.Errorf("学習履歴の作成に失敗しました: %w", err)
	}
	return h, nil
}

// isUniqueViolation はPostgreSQLの一意制約違反(23505)かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// UpdateChapterProgress は指定チャプターの進捗をUPSERTする。
// 行ロック付きのread-modify-writeを1トランザクションで行い、
// 遷移規則はUpsertChapterに委譲する。
func (s *PostgresStore) UpdateChapterProgress(ctx context.Context, ownerID, historyID, chapterID string, completed bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM learning_history
		 WHERE id = $1 AND owner_id = $2 FOR UPDATE`,
		historyID, ownerID,
	)
	h, err := scanHistory(row.Scan)
	if err == sql.ErrNoRows {
		// 所有者不一致もレコード未検出と同じ扱い
		return model.NewHistoryNotFoundError(historyID)
	}
	if err != nil {
		return fmt.Errorf("学習履歴の取得に失敗しました: %w", err)
	}

	UpsertChapter(h, chapterID, completed, time.Now().UTC())

	progress, err := json.Marshal(h.ChapterProgress)
	if err != nil {
		return fmt.Errorf("チャプター進捗のエンコードに失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE learning_history SET
		     chapter_progress = $3,
		     last_accessed_at = $4,
		     completed_at     = $5
		 WHERE id = $1 AND owner_id = $2`,
		historyID, ownerID, progress, h.LastAccessedAt, h.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("チャプター進捗の更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// SaveDetailedCourse は生成済みコースを(owner_id, roadmap_id)で冪等に保存する。
func (s *PostgresStore) SaveDetailedCourse(ctx context.Context, ownerID string, course *model.DetailedCourse) (*model.DetailedCourse, error) {
	now := time.Now().UTC()

	saved := *course
	saved.OwnerID = ownerID
	saved.GeneratedAt = now
	if saved.ID == "" {
		saved.ID = uuid.New().String()
	}

	chapters, err := json.Marshal(saved.Chapters)
	if err != nil {
		return nil, fmt.Errorf("チャプターのエンコードに失敗しました: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO detailed_courses (id, owner_id, roadmap_id, title, description, chapters, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (owner_id, roadmap_id) DO UPDATE SET
		     title        = EXCLUDED.title,
		     description  = EXCLUDED.description,
		     chapters     = EXCLUDED.chapters,
		     generated_at = EXCLUDED.generated_at`,
		saved.ID, ownerID, saved.RoadmapID, saved.Title, saved.Description, chapters, now,
	)
	if err != nil {
		return nil, fmt.Errorf("コースの保存に失敗しました: %w", err)
	}
	return &saved, nil
}

// GetDetailedCourse は生成済みコースを取得する。
func (s *PostgresStore) GetDetailedCourse(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error) {
	c := &model.DetailedCourse{}
	var chapters []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, roadmap_id, title, description, chapters, generated_at
		 FROM detailed_courses WHERE owner_id = $1 AND roadmap_id = $2`,
		ownerID, roadmapID,
	).Scan(&c.ID, &c.OwnerID, &c.RoadmapID, &c.Title, &c.Description, &chapters, &c.GeneratedAt)

	if err == sql.ErrNoRows {
		return nil, model.NewCourseNotFoundError(roadmapID)
	}
	if err != nil {
		return nil, fmt.Errorf("コースの取得に失敗しました: %w", err)
	}

	if err := json.Unmarshal(chapters, &c.Chapters); err != nil {
		return nil, fmt.Errorf("チャプターのデコードに失敗しました: %w", err)
	}
	return c, nil
}

// RestoreUser はフォールバックから退避されたプロフィールをexternal_idでUPSERTする。
// created_atはプライマリ側の既存値を維持し、可変フィールドのみ上書きする。
func (s *PostgresStore) RestoreUser(ctx context.Context, user *model.UserProfile) (*model.UserProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (id, external_id, email, first_name, last_name, image_url, avatar_data, avatar_mime, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (external_id) DO UPDATE SET
		     email       = EXCLUDED.email,
		     first_name  = EXCLUDED.first_name,
		     last_name   = EXCLUDED.last_name,
		     image_url   = EXCLUDED.image_url,
		     avatar_data = EXCLUDED.avatar_data,
		     avatar_mime = EXCLUDED.avatar_mime,
		     updated_at  = EXCLUDED.updated_at
		 RETURNING `+userColumns,
		user.ID, user.ExternalID, user.Email, user.FirstName, user.LastName,
		user.ImageURL, user.AvatarData, user.AvatarMime, user.CreatedAt, user.UpdatedAt,
	)

	restored, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの復元に失敗しました: %w", err)
	}
	return restored, nil
}

// RestoreHistory は退避された履歴レコードを(owner_id, roadmap_id)でUPSERTする。
func (s *PostgresStore) RestoreHistory(ctx context.Context, ownerID string, history *model.LearningHistory) error {
	prefs, err := json.Marshal(history.LearningPreferences)
	if err != nil {
		return fmt.Errorf("学習設定のエンコードに失敗しました: %w", err)
	}
	progress, err := json.Marshal(history.ChapterProgress)
	if err != nil {
		return fmt.Errorf("チャプター進捗のエンコードに失敗しました: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learning_history
		     (id, owner_id, subject, difficulty, roadmap_id, learning_preferences, chapter_progress, started_at, last_accessed_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (owner_id, roadmap_id) DO UPDATE SET
		     subject              = EXCLUDED.subject,
		     difficulty           = EXCLUDED.difficulty,
		     learning_preferences = EXCLUDED.learning_preferences,
		     chapter_progress     = EXCLUDED.chapter_progress,
		     last_accessed_at     = EXCLUDED.last_accessed_at,
		     completed_at         = EXCLUDED.completed_at`,
		history.ID, ownerID, history.Subject, history.Difficulty, history.RoadmapID,
		prefs, progress, history.StartedAt, history.LastAccessedAt, history.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("学習履歴の復元に失敗しました: %w", err)
	}
	return nil
}

// RestoreCourse は退避されたコースをgenerated_atを維持したままUPSERTする。
func (s *PostgresStore) RestoreCourse(ctx context.Context, ownerID string, course *model.DetailedCourse) error {
	chapters, err := json.Marshal(course.Chapters)
	if err != nil {
		return fmt.Errorf("チャプターのエンコードに失敗しました: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO detailed_courses (id, owner_id, roadmap_id, title, description, chapters, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (owner_id, roadmap_id) DO UPDATE SET
		     title        = EXCLUDED.title,
		     description  = EXCLUDED.description,
		     chapters     = EXCLUDED.chapters,
		     generated_at = EXCLUDED.generated_at`,
		course.ID, ownerID, course.RoadmapID, course.Title, course.Description, chapters, course.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("コースの復元に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ StoreAdapter = (*PostgresStore)(nil)
var _ Restorer = (*PostgresStore)(nil)
