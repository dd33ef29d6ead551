// Package model はドメインモデルを定義する。
package model

import "time"

// UserProfile はサービス利用ユーザーのプロフィールを表す。
// ExternalIDは外部IdPが発行する安定した識別子で、ユーザーごとに一意かつ不変。
// IDはストアが採番する内部識別子で、所有権チェックのFKとして使用する。
// JSONタグはドキュメントストア・フォールバックストアの保存形式と
// APIレスポンスの両方で共有され、どの経路でも同一のシェイプを保証する。
type UserProfile struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	Email      string    `json:"email"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	ImageURL   string    `json:"image_url,omitempty"`
	AvatarData []byte    `json:"avatar_data,omitempty"`
	AvatarMime string    `json:"avatar_mime,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IdentityInfo は外部IdPから取得したサインイン情報を表す。
// GetOrCreateUserの入力として使用する。
type IdentityInfo struct {
	ExternalID string
	Email      string
	FirstName  string
	LastName   string
	ImageURL   string
}

// ProfilePatch はプロフィールの部分更新を表す。
// nilフィールドは変更せず、既存の値を維持する。
type ProfilePatch struct {
	Email     *string
	FirstName *string
	LastName  *string
	ImageURL  *string
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
