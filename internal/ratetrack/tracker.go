// Package ratetrack はAI生成サービスのAPIキー使用量を追跡する。
// 複数キーをラウンドロビンで回し、キーごとの固定ウィンドウカウンタで
// クォータを管理する。連続エラーでキーを一時的に隔離し、
// ウィンドウ更新時に復帰させる。
package ratetrack

import (
	"log/slog"
	"sync"
	"time"
)

// Clock は現在時刻の取得を抽象化する。テストで時刻を制御するために使用する。
type Clock interface {
	Now() time.Time
}

// systemClock は実時刻を返すClock実装。
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config はレート追跡の設定を保持する。
type Config struct {
	Window         time.Duration // カウンタのウィンドウ幅
	QuotaPerWindow int           // キー1個あたりのウィンドウ内リクエスト上限
	ErrorThreshold int           // キーを隔離する連続エラー回数
}

// DefaultConfig はデフォルトのレート追跡設定を返す。
func DefaultConfig() Config {
	return Config{
		Window:         time.Minute,
		QuotaPerWindow: 15,
		ErrorThreshold: 3,
	}
}

// keyState はAPIキー1個分の使用状況を保持する。
type keyState struct {
	key         string
	windowStart time.Time
	used        int
	errorCount  int
	degraded    bool
}

// rollWindow はウィンドウが経過していればカウンタをリセットする。
// 隔離状態もウィンドウ更新で解除され、キーは自動復帰する。
func (k *keyState) rollWindow(now time.Time, window time.Duration) {
	if k.windowStart.IsZero() || now.Sub(k.windowStart) >= window {
		k.windowStart = now
		k.used = 0
		k.errorCount = 0
		k.degraded = false
	}
}

// available はこのキーが現在リクエストに使用できるかを返す。
func (k *keyState) available(quota int) bool {
	return !k.degraded && k.used < quota
}

// Status はトラッカーの集計状態を表す。APIのステータス応答に使用する。
type Status struct {
	Enabled        bool      `json:"enabled"`         // キーが1個以上設定されているか
	CanRequest     bool      `json:"can_request"`     // 今リクエストを発行できるか
	TotalRemaining int       `json:"total_remaining"` // 全利用可能キーの残クォータ合計
	KeyCount       int       `json:"key_count"`       // 設定されたキー総数
	AvailableKeys  int       `json:"available_keys"`  // 現在利用可能なキー数
	ResetAt        time.Time `json:"reset_at"`        // 最も早いウィンドウリセット時刻
	WaitMS         int64     `json:"wait_ms"`         // リクエスト可能になるまでの待ち時間（ミリ秒）
}

// Tracker は複数APIキーの使用量トラッカー。全メソッドはスレッドセーフ。
type Tracker struct {
	mu     sync.Mutex
	config Config
	keys   []*keyState
	clock  Clock
	cursor int
}

// NewTracker はTrackerを生成する。clockにnilを渡すと実時刻を使用する。
// キーが0個の場合はフェイルオープンとなり、Acquireは常に成功する
// （追跡なしで直接リクエストを通す。起動を妨げないための挙動）。
func NewTracker(keys []string, config Config, clock Clock) *Tracker {
	if clock == nil {
		clock = systemClock{}
	}
	states := make([]*keyState, len(keys))
	for i, k := range keys {
		states[i] = &keyState{key: k}
	}
	if len(keys) == 0 {
		slog.Warn("APIキーが設定されていません。レート追跡なしで動作します")
	}
	return &Tracker{
		config: config,
		keys:   states,
		clock:  clock,
	}
}

// Acquire は使用可能なAPIキーを1個確保し、そのカウンタを消費する。
// ラウンドロビンで次のキーから探索し、キーの負荷を分散する。
// 全キーがクォータ超過または隔離中の場合はok=falseを返す。
// キーが0個の場合はフェイルオープンで空キーとok=trueを返す。
func (t *Tracker) Acquire() (key string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.keys) == 0 {
		return "", true
	}

	now := t.clock.Now()
	for i := 0; i < len(t.keys); i++ {
		idx := (t.cursor + i) % len(t.keys)
		state := t.keys[idx]
		state.rollWindow(now, t.config.Window)
		if !state.available(t.config.QuotaPerWindow) {
			continue
		}
		state.used++
		t.cursor = (idx + 1) % len(t.keys)
		return state.key, true
	}
	return "", false
}

// ReportSuccess はキーでのリクエスト成功を記録し、連続エラーをリセットする。
func (t *Tracker) ReportSuccess(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, state := range t.keys {
		if state.key == key {
			state.errorCount = 0
			return
		}
	}
}

// ReportError はキーでのリクエスト失敗を記録する。
// 連続エラーが閾値に達したキーは隔離され、次のウィンドウ更新まで使用されない。
func (t *Tracker) ReportError(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, state := range t.keys {
		if state.key != key {
			continue
		}
		state.errorCount++
		if state.errorCount >= t.config.ErrorThreshold && !state.degraded {
			state.degraded = true
			slog.Warn("連続エラーによりAPIキーを隔離します",
				slog.Int("error_count", state.errorCount),
				slog.Duration("window", t.config.Window),
			)
		}
		return
	}
}

// Snapshot は現在の集計状態を返す。カウンタは消費しない。
func (t *Tracker) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()

	if len(t.keys) == 0 {
		return Status{
			Enabled:    false,
			CanRequest: true,
			ResetAt:    now,
		}
	}

	status := Status{
		Enabled:  true,
		KeyCount: len(t.keys),
		ResetAt:  now.Add(t.config.Window),
	}
	for _, state := range t.keys {
		state.rollWindow(now, t.config.Window)
		if state.available(t.config.QuotaPerWindow) {
			status.AvailableKeys++
			status.TotalRemaining += t.config.QuotaPerWindow - state.used
		}
		if reset := state.windowStart.Add(t.config.Window); reset.Before(status.ResetAt) {
			status.ResetAt = reset
		}
	}
	status.CanRequest = status.AvailableKeys > 0
	// 今すぐリクエストできるなら待ち時間は0。
	// できない場合は最も早いウィンドウリセットまでの残り時間。
	if !status.CanRequest {
		if wait := status.ResetAt.Sub(now); wait > 0 {
			status.WaitMS = wait.Milliseconds()
		}
	}
	return status
}
