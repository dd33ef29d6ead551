// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
//
// APIErrorは意図的に返される論理エラー（NotFound / ValidationFailure）であり、
// フォールバックストアへの切り替え対象にはならない。
// トランスポート障害はAPIErrorではなく通常のerrorとして伝播する。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, learning, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeHistoryNotFound     = "HISTORY_NOT_FOUND"
	ErrCodeCourseNotFound      = "COURSE_NOT_FOUND"
	ErrCodeDuplicateHistory    = "DUPLICATE_HISTORY"
	ErrCodeInvalidHistory      = "INVALID_HISTORY"
	ErrCodeInvalidPreferences  = "INVALID_PREFERENCES"
	ErrCodeInvalidProfile      = "INVALID_PROFILE"
	ErrCodeInvalidImageURL     = "INVALID_IMAGE_URL"
	ErrCodeRoadmapUnavailable  = "ROADMAP_UNAVAILABLE"
	ErrCodeQuizUnavailable     = "QUIZ_UNAVAILABLE"
	ErrCodeMalformedAIResponse = "MALFORMED_AI_RESPONSE"
)

// IsLogical は意図的な論理エラー（APIError）かどうかを判定する。
// 論理エラーはフォールバックストアに切り替えてはならない
// （NotFoundでフォールバックすると別レコードを捏造することになる）。
func IsLogical(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// IsNotFound はレコード未検出または所有者不一致のエラーかどうかを判定する。
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case ErrCodeUserNotFound, ErrCodeHistoryNotFound, ErrCodeCourseNotFound:
		return true
	}
	return false
}

// IsValidation は入力検証エラーかどうかを判定する。
func IsValidation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Category == "validation"
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewHistoryNotFoundError は学習履歴が見つからない場合のエラーを生成する。
// 所有者不一致の場合も同じエラーを返し、他ユーザーのレコードの存在を露出しない。
func NewHistoryNotFoundError(historyID string) *APIError {
	return &APIError{
		Code:     ErrCodeHistoryNotFound,
		Message:  fmt.Sprintf("指定された学習履歴が見つかりません: %s", historyID),
		Category: "learning",
		Action:   "履歴IDを確認してください。",
	}
}

// NewCourseNotFoundError は生成済みコースが見つからない場合のエラーを生成する。
func NewCourseNotFoundError(roadmapID string) *APIError {
	return &APIError{
		Code:     ErrCodeCourseNotFound,
		Message:  fmt.Sprintf("指定されたコースが見つかりません: %s", roadmapID),
		Category: "learning",
		Action:   "ロードマップを再生成してください。",
	}
}

// NewDuplicateHistoryError は同一ロードマップの履歴が既に存在する場合のエラーを生成する。
// 一意制約違反はストア側の状態に起因する論理エラーであり、
// フォールバックすると別ストアに重複レコードを捏造してしまうため、
// トランスポート障害として扱ってはならない。
func NewDuplicateHistoryError(roadmapID string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateHistory,
		Message:  fmt.Sprintf("このロードマップの学習履歴は既に存在します: %s", roadmapID),
		Category: "learning",
		Action:   "既存の学習履歴から学習を再開してください。",
	}
}

// NewInvalidHistoryError は学習履歴の入力が不正な場合のエラーを生成する。
func NewInvalidHistoryError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidHistory,
		Message:  fmt.Sprintf("学習履歴の入力が不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInvalidPreferencesError は学習設定の必須フィールド不足エラーを生成する。
func NewInvalidPreferencesError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPreferences,
		Message:  "学習設定にlearning_styleとtime_commitmentは必須です。",
		Category: "validation",
		Action:   "学習スタイルと学習時間を指定してください。",
	}
}

// NewInvalidProfileError はプロフィール更新の入力が不正な場合のエラーを生成する。
func NewInvalidProfileError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidProfile,
		Message:  fmt.Sprintf("プロフィールの入力が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidImageURLError は画像URLがセキュリティポリシーに違反する場合のエラーを生成する。
func NewInvalidImageURLError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidImageURL,
		Message:  "セキュリティポリシーにより、指定された画像URLは使用できません。",
		Category: "validation",
		Action:   "公開されているhttps URLを指定してください。",
	}
}

// NewRoadmapUnavailableError はロードマップ生成に失敗した場合のエラーを生成する。
func NewRoadmapUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeRoadmapUnavailable,
		Message:  "ロードマップの生成に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewQuizUnavailableError はクイズ生成に失敗した場合のエラーを生成する。
func NewQuizUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeQuizUnavailable,
		Message:  "クイズの生成に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewMalformedAIResponseError はAI応答のスキーマ検証失敗エラーを生成する。
func NewMalformedAIResponseError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeMalformedAIResponse,
		Message:  fmt.Sprintf("AI応答の形式が不正です: %s", reason),
		Category: "system",
		Action:   "再生成をお試しください。",
	}
}
