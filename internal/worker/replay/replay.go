// Package replay はフォールバックストアに退避された書き込みを
// プライマリストアへ復元するバックグラウンドジョブを提供する。
// ダーティジャーナルを定期的に走査し、プライマリが復旧していれば
// last-write-winsで書き戻す。
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/learnman/internal/localstore"
	"github.com/hitoshi/learnman/internal/model"
	"github.com/hitoshi/learnman/internal/repository"
)

// defaultBatchSize は1サイクルで処理するジャーナルエントリの上限。
const defaultBatchSize = 100

// Recorder はリプレイ結果のメトリクス記録インターフェース。
type Recorder interface {
	RecordReplayedWrites(count int)
	SetDirtyJournalSize(size int)
}

// Job はジャーナルのリプレイジョブ。
// プライマリへの復元が1件でも失敗した場合はサイクルを打ち切って
// エラーを返す（プライマリがまだ落ちている想定）。
// 再試行間隔の制御はSchedulerのバックオフに委ねる。
type Job struct {
	local     *localstore.FallbackStore
	primary   repository.Restorer
	recorder  Recorder
	logger    *slog.Logger
	BatchSize int
}

// NewJob は新しいJobを生成する。recorderはnilでもよい。
func NewJob(local *localstore.FallbackStore, primary repository.Restorer, recorder Recorder, logger *slog.Logger) *Job {
	return &Job{
		local:     local,
		primary:   primary,
		recorder:  recorder,
		logger:    logger,
		BatchSize: defaultBatchSize,
	}
}

// RunOnce はジャーナルを1バッチ分リプレイする。
// 処理順はmarked_at昇順で、復元成功したエントリのみジャーナルから消す。
// リプレイ中に同一キーへ再度書き込みがあった場合はジャーナルに残り、
// 次サイクルで再処理される。
func (j *Job) RunOnce(ctx context.Context) error {
	start := time.Now()

	entries, err := j.local.KV().ListDirty(ctx, j.BatchSize)
	if err != nil {
		return fmt.Errorf("ジャーナルの取得に失敗: %w", err)
	}
	if j.recorder != nil {
		j.recorder.SetDirtyJournalSize(len(entries))
	}
	if len(entries) == 0 {
		return nil
	}

	replayed := 0
	var replayErr error
	for _, entry := range entries {
		if err := j.replayEntry(ctx, entry); err != nil {
			replayErr = fmt.Errorf("プライマリへの復元に失敗 (key=%s, kind=%s): %w", entry.Key, entry.Kind, err)
			break
		}
		if err := j.local.KV().ClearDirty(ctx, entry.Key, entry.MarkedAt); err != nil {
			return fmt.Errorf("ジャーナルの消し込みに失敗: %w", err)
		}
		replayed++
	}

	if replayed > 0 {
		if j.recorder != nil {
			j.recorder.RecordReplayedWrites(replayed)
		}
		j.logger.Info("退避データをプライマリへ復元しました",
			slog.Int("replayed", replayed),
			slog.Int("pending", len(entries)-replayed),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}
	return replayErr
}

// replayEntry はジャーナルエントリ1件をプライマリへ復元する。
func (j *Job) replayEntry(ctx context.Context, entry localstore.DirtyEntry) error {
	raw, err := j.local.KV().Get(ctx, entry.Key)
	if err != nil {
		return err
	}
	if raw == nil {
		// 本体が消えたジャーナルは消し込みのみ行う
		return nil
	}

	switch entry.Kind {
	case localstore.KindUser:
		user := &model.UserProfile{}
		if err := json.Unmarshal(raw, user); err != nil {
			return fmt.Errorf("ユーザーのデコードに失敗: %w", err)
		}
		_, err := j.primary.RestoreUser(ctx, user)
		return err

	case localstore.KindHistory:
		histories := []*model.LearningHistory{}
		if err := json.Unmarshal(raw, &histories); err != nil {
			return fmt.Errorf("学習履歴のデコードに失敗: %w", err)
		}
		for _, h := range histories {
			if err := j.primary.RestoreHistory(ctx, entry.OwnerID, h); err != nil {
				return err
			}
		}
		return nil

	case localstore.KindCourse:
		course := &model.DetailedCourse{}
		if err := json.Unmarshal(raw, course); err != nil {
			return fmt.Errorf("コースのデコードに失敗: %w", err)
		}
		return j.primary.RestoreCourse(ctx, entry.OwnerID, course)

	default:
		j.logger.Warn("未知のジャーナル種別をスキップします",
			slog.String("key", entry.Key),
			slog.String("kind", entry.Kind),
		)
		return nil
	}
}

// Scheduler はリプレイジョブの定期実行を行う。
type Scheduler struct {
	job    *Job
	logger *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(job *Job, logger *slog.Logger) *Scheduler {
	return &Scheduler{job: job, logger: logger}
}

// Start はスケジューラを起動し、コンテキストがキャンセルされるまで実行を継続する。
// サイクルがエラーで終わった場合は次回までの間隔を2倍に伸ばし（上限は基準の8倍）、
// 成功したサイクルで基準間隔に戻す。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	maxWait := interval * 8

	s.logger.Info("リプレイスケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	wait := interval
	runCycle := func() {
		if err := s.job.RunOnce(ctx); err != nil {
			wait *= 2
			if wait > maxWait {
				wait = maxWait
			}
			s.logger.Error("リプレイサイクルの実行に失敗しました",
				slog.String("error", err.Error()),
				slog.Duration("next_attempt_in", wait),
			)
			return
		}
		wait = interval
	}

	// 起動直後に1回実行
	runCycle()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("リプレイスケジューラを停止しました")
			return
		case <-timer.C:
			runCycle()
			timer.Reset(wait)
		}
	}
}
