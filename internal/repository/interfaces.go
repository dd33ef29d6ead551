// Package repository はデータ永続化のインターフェースと各ストアバインディングを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/learnman/internal/model"
)

// StoreAdapter はユーザープロフィールと学習履歴の永続化コントラクト。
// PostgreSQL（リレーショナル）、Redis（ドキュメント）、ローカルフォールバックの
// 3実装が同一の外部挙動を提供する。
//
// エラー規約:
//   - レコード未検出・所有者不一致は*model.APIError（NotFound）を返す。
//   - ストア到達不能などのトランスポート障害は通常のerrorとして返す。
//     呼び出し側（統合サービス）はこの区別でフォールバック可否を判断する。
type StoreAdapter interface {
	// Name はログ・メトリクス用のストア名を返す。
	Name() string

	// GetOrCreateUser はexternal_idでユーザーを検索し、存在すれば可変フィールドを
	// 上書きしてupdated_atを更新、存在しなければ新規作成して返す。
	// 同一external_idに対して重複プロフィールを作成してはならない。
	GetOrCreateUser(ctx context.Context, identity model.IdentityInfo) (*model.UserProfile, error)

	// GetUserByID は内部IDでユーザーを取得する。セッション解決に使用する。
	// 存在しない場合はNotFoundを返す。
	GetUserByID(ctx context.Context, id string) (*model.UserProfile, error)

	// UpdateUser は指定フィールドのみを適用しupdated_atを更新する。
	// nilフィールドは変更しない。idが存在しない場合はNotFoundを返す。
	UpdateUser(ctx context.Context, id string, patch model.ProfilePatch) (*model.UserProfile, error)

	// UpdateAvatar はプロフィール画像のキャッシュを更新する。
	UpdateAvatar(ctx context.Context, id string, data []byte, mime string) error

	// GetUserHistory はユーザーの学習履歴をlast_accessed_at降順で返す。
	// 履歴が存在しない場合はエラーではなく空スライスを返す。
	GetUserHistory(ctx context.Context, ownerID string) ([]*model.LearningHistory, error)

	// AddToHistory は新しい履歴レコードを作成する。
	// started_at=last_accessed_at=now、completed_at=nullで初期化し、
	// completed=trueでシードされたチャプターには完了時刻を付与する。
	AddToHistory(ctx context.Context, ownerID string, init model.HistoryInit) (*model.LearningHistory, error)

	// UpdateChapterProgress は指定チャプターの進捗を冪等にUPSERTする。
	// レコードが存在しない、または所有者が一致しない場合はNotFoundを返す。
	// 完了状態の遷移規則はUpsertChapterを参照。
	UpdateChapterProgress(ctx context.Context, ownerID, historyID, chapterID string, completed bool) error

	// SaveDetailedCourse は生成済みコースを(owner_id, roadmap_id)で冪等に保存する。
	SaveDetailedCourse(ctx context.Context, ownerID string, course *model.DetailedCourse) (*model.DetailedCourse, error)

	// GetDetailedCourse は生成済みコースを取得する。見つからない場合はNotFoundを返す。
	GetDetailedCourse(ctx context.Context, ownerID, roadmapID string) (*model.DetailedCourse, error)
}

// Restorer はフォールバックストアに退避された書き込みをプライマリへ
// 復元するためのインターフェース。リプレイワーカーが使用する。
// 復元はlast-write-winsで、プライマリ側の既存レコードを上書きする。
type Restorer interface {
	// RestoreUser はプロフィールをexternal_idでUPSERTし、プライマリ側の
	// 正規レコードを返す。フォールバック側で採番されたIDとプライマリの
	// 既存IDが異なる場合、返り値のIDが正となる。
	RestoreUser(ctx context.Context, user *model.UserProfile) (*model.UserProfile, error)

	// RestoreHistory は履歴レコードを(owner_id, roadmap_id)でUPSERTする。
	RestoreHistory(ctx context.Context, ownerID string, history *model.LearningHistory) error

	// RestoreCourse は生成済みコースを(owner_id, roadmap_id)でUPSERTする。
	RestoreCourse(ctx context.Context, ownerID string, course *model.DetailedCourse) error
}

// SessionRepository はセッションデータの永続化インターフェース。
// セッションは認証基盤でありフォールバックチェーンの対象外。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}
