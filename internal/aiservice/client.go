package aiservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/learnman/internal/model"
)

// maxResponseSize は生成応答の最大サイズ（4MB）。
const maxResponseSize = 4 * 1024 * 1024

// KeySource はAPIキーの確保と結果報告のインターフェース。
// ratetrack.Trackerが本番実装。
type KeySource interface {
	Acquire() (key string, ok bool)
	ReportSuccess(key string)
	ReportError(key string)
}

// GenerateRecorder は生成リクエストの結果メトリクス記録インターフェース。
// metrics.Collectorが本番実装。
type GenerateRecorder interface {
	RecordGenerateSuccess(kind string)
	RecordGenerateFailure(kind string)
	RecordGenerateLatency(duration time.Duration)
}

// ClientConfig はAI生成クライアントの設定を保持する。
type ClientConfig struct {
	Endpoint       string        // 生成APIのベースURL
	RequestTimeout time.Duration // 1試行あたりのタイムアウト
	MaxAttempts    int           // 試行回数の上限（キーローテーション込み）
}

// Client はAI生成サービスのクライアント。
// 試行ごとにKeySourceから使用可能なキーを確保し、
// トランスポート障害・5xx応答時は別キーでリトライする。
// スキーマ検証エラー（論理エラー）はリトライしない。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	keys       KeySource
	config     ClientConfig
	recorder   GenerateRecorder
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, keys KeySource, config ClientConfig, logger *slog.Logger) *Client {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		keys:       keys,
		config:     config,
	}
}

// SetRecorder は生成結果のメトリクス記録フックを設定する。nilのままでもよい。
func (c *Client) SetRecorder(r GenerateRecorder) {
	c.recorder = r
}

// recordOutcome は1生成呼び出しの結果とレイテンシを記録する。
// スキーマ検証に失敗した応答も失敗として数える。
func (c *Client) recordOutcome(kind string, start time.Time, err error) {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordGenerateLatency(time.Since(start))
	if err != nil {
		c.recorder.RecordGenerateFailure(kind)
		return
	}
	c.recorder.RecordGenerateSuccess(kind)
}

// generateRequest は生成APIへのリクエストボディ。
type generateRequest struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// roadmapPayload はロードマップ生成の入力。
type roadmapPayload struct {
	Subject     string                    `json:"subject"`
	Difficulty  string                    `json:"difficulty"`
	Preferences model.LearningPreferences `json:"preferences"`
}

// coursePayload は詳細コース生成の入力。
type coursePayload struct {
	Subject    string                 `json:"subject"`
	Difficulty string                 `json:"difficulty"`
	Chapters   []model.RoadmapChapter `json:"chapters"`
}

// quizPayload はクイズ生成の入力。
type quizPayload struct {
	ChapterTitle   string `json:"chapter_title"`
	ChapterContent string `json:"chapter_content"`
	Difficulty     string `json:"difficulty"`
}

// GenerateRoadmap は学習ロードマップを生成する。
func (c *Client) GenerateRoadmap(ctx context.Context, subject, difficulty string, prefs model.LearningPreferences) (*model.Roadmap, error) {
	start := time.Now()
	raw, err := c.generate(ctx, generateRequest{
		Type:    "roadmap",
		Payload: roadmapPayload{Subject: subject, Difficulty: difficulty, Preferences: prefs},
	})
	if err != nil {
		c.recordOutcome("roadmap", start, err)
		return nil, err
	}
	roadmap, err := DecodeRoadmap(raw)
	c.recordOutcome("roadmap", start, err)
	return roadmap, err
}

// GenerateCourse はロードマップの全チャプターの本文を生成する。
func (c *Client) GenerateCourse(ctx context.Context, subject, difficulty string, chapters []model.RoadmapChapter) (*model.Roadmap, error) {
	start := time.Now()
	raw, err := c.generate(ctx, generateRequest{
		Type:    "course",
		Payload: coursePayload{Subject: subject, Difficulty: difficulty, Chapters: chapters},
	})
	if err != nil {
		c.recordOutcome("course", start, err)
		return nil, err
	}
	course, err := DecodeCourse(raw)
	c.recordOutcome("course", start, err)
	return course, err
}

// GenerateQuiz はチャプターの理解度確認クイズを生成する。
func (c *Client) GenerateQuiz(ctx context.Context, chapterTitle, chapterContent, difficulty string) (*model.Quiz, error) {
	start := time.Now()
	raw, err := c.generate(ctx, generateRequest{
		Type:    "quiz",
		Payload: quizPayload{ChapterTitle: chapterTitle, ChapterContent: chapterContent, Difficulty: difficulty},
	})
	if err != nil {
		c.recordOutcome("quiz", start, err)
		return nil, err
	}
	quiz, err := DecodeQuiz(raw)
	c.recordOutcome("quiz", start, err)
	return quiz, err
}

// generate はリトライとキーローテーションを含む生成リクエストの共通処理。
func (c *Client) generate(ctx context.Context, req generateRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		key, ok := c.keys.Acquire()
		if !ok {
			c.logger.Warn("全APIキーがクォータ超過または隔離中です",
				slog.String("type", req.Type),
				slog.Int("attempt", attempt),
			)
			return nil, fmt.Errorf("利用可能なAPIキーがありません")
		}

		raw, err := c.doRequest(ctx, key, body)
		if err == nil {
			if key != "" {
				c.keys.ReportSuccess(key)
			}
			return raw, nil
		}
		if key != "" {
			c.keys.ReportError(key)
		}

		lastErr = err
		c.logger.Warn("生成リクエストに失敗しました",
			slog.String("type", req.Type),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.MaxAttempts),
			slog.String("error", err.Error()),
		)

		// 呼び出し元のコンテキストが打ち切られた場合はリトライしない
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("生成リクエストが%d回失敗しました: %w", c.config.MaxAttempts, lastErr)
}

// doRequest は1試行分のHTTPリクエストを実行する。
func (c *Client) doRequest(ctx context.Context, key string, body []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.config.Endpoint+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "Learnman/1.0")
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("生成APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("生成APIがステータス %d を返しました", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if int64(len(raw)) > maxResponseSize {
		return nil, fmt.Errorf("レスポンスサイズが上限を超えています")
	}
	return raw, nil
}
