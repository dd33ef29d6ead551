// Package auth はOAuth認証フロー、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/learnman/internal/model"
	"github.com/hitoshi/learnman/internal/repository"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	FirstName      string
	LastName       string
	Picture        string
	Provider       string // "google" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
// 将来的に複数IdP（Google, GitHub等）に対応するための抽象化。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// UserProvider はサインインを受け付ける統合ユーザーサービスのインターフェース。
type UserProvider interface {
	GetOrCreateUser(ctx context.Context, identity model.IdentityInfo) (*model.UserProfile, error)
	GetUserByID(ctx context.Context, id string) (*model.UserProfile, error)
	UpdateAvatar(ctx context.Context, id string, data []byte, mime string) error
}

// AvatarFetcher はプロフィール画像の取得インターフェース。
type AvatarFetcher interface {
	FetchAvatar(ctx context.Context, imageURL string) (data []byte, mimeType string, err error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service は認証に関するビジネスロジックを提供する。
// サインインは統合ユーザーサービスのGetOrCreateUserを必ず経由し、
// ストア障害時でもフォールバックチェーンでログインを継続できる。
type Service struct {
	oauth       OAuthProvider
	users       UserProvider
	avatars     AvatarFetcher
	sessionRepo repository.SessionRepository
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	users UserProvider,
	avatars AvatarFetcher,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		users:       users,
		avatars:     avatars,
		sessionRepo: sessionRepo,
		config:      config,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// プロバイダーのsubをexternal_idとしてGetOrCreateUserに渡すため、
// 初回サインインでプロフィールが自動作成され、以降は同一プロフィールに収束する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, *model.UserProfile, error) {
	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 2. 冪等なプロフィール取得・作成
	user, err := s.users.GetOrCreateUser(ctx, model.IdentityInfo{
		ExternalID: userInfo.Provider + ":" + userInfo.ProviderUserID,
		Email:      userInfo.Email,
		FirstName:  userInfo.FirstName,
		LastName:   userInfo.LastName,
		ImageURL:   userInfo.Picture,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get or create user: %w", err)
	}

	slog.Info("user signed in",
		slog.String("user_id", user.ID),
		slog.String("provider", userInfo.Provider),
	)

	// 3. プロフィール画像をベストエフォートでキャッシュ
	// IdPの画像URLは失効するため、取得できたタイミングで保存しておく。
	// 失敗してもサインインは継続する。
	if s.avatars != nil && userInfo.Picture != "" {
		if data, mime, err := s.avatars.FetchAvatar(ctx, userInfo.Picture); err == nil && data != nil {
			if err := s.users.UpdateAvatar(ctx, user.ID, data, mime); err != nil {
				slog.Warn("アバターキャッシュの保存に失敗しました",
					slog.String("user_id", user.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	// 4. セッションを発行
	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, user, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.UserProfile, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session not found or expired")
	}

	user, err := s.users.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	return user, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: time.Now().Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: time.Now(),
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
