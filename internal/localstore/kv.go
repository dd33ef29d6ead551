// Package localstore はローカルSQLiteファイルを使用した最終フォールバックストアを提供する。
// 外部ストアが全て到達不能な場合でもサービスを継続するための
// キーバリュー形式の退避先であり、書き込みはダーティジャーナルに記録され、
// プライマリ復旧後にリプレイワーカーが吸い上げる。
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schema はKV本体とダーティジャーナルの2テーブル。
// ジャーナルはキーごとに1行で、同一キーへの連続書き込みは上書きされる。
const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS dirty_journal (
    key       TEXT PRIMARY KEY,
    kind      TEXT NOT NULL,
    owner_id  TEXT NOT NULL,
    marked_at TIMESTAMP NOT NULL
);
`

// DirtyEntry はプライマリへ未反映の書き込み1件を表す。
type DirtyEntry struct {
	Key      string
	Kind     string
	OwnerID  string
	MarkedAt time.Time
}

// ジャーナルのkind値
const (
	KindUser    = "user"
	KindHistory = "history"
	KindCourse  = "course"
)

// KV はSQLiteファイル1個に対するキーバリューアクセスを提供する。
type KV struct {
	db *sql.DB
}

// Open はSQLiteファイルを開き、スキーマを初期化する。
// ファイルが存在しない場合は作成される。
func Open(path string) (*KV, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("フォールバックストアのオープンに失敗しました: %w", err)
	}
	// SQLiteは単一コネクションでのシリアル実行とする
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("フォールバックストアの初期化に失敗しました: %w", err)
	}
	return &KV{db: db}, nil
}

// Close はデータベースを閉じる。
func (k *KV) Close() error {
	return k.db.Close()
}

// Get は指定キーの値を返す。キーが存在しない場合は(nil, nil)を返す。
func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := k.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("キーの読み取りに失敗しました: %w", err)
	}
	return value, nil
}

// Put は値を書き込み、同一トランザクションでジャーナルへ記録する。
func (k *KV) Put(ctx context.Context, key string, value []byte, kind, ownerID string) error {
	now := time.Now().UTC()

	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now,
	)
	if err != nil {
		return fmt.Errorf("キーの書き込みに失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO dirty_journal (key, kind, owner_id, marked_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET kind = excluded.kind, owner_id = excluded.owner_id, marked_at = excluded.marked_at`,
		key, kind, ownerID, now,
	)
	if err != nil {
		return fmt.Errorf("ジャーナルの記録に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// PutClean はジャーナルに記録せず値のみを書き込む。
// リプレイ不要な内部索引キーに使用する。
func (k *KV) PutClean(ctx context.Context, key string, value []byte) error {
	_, err := k.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("キーの書き込みに失敗しました: %w", err)
	}
	return nil
}

// ListDirty は未反映の書き込みをmarked_at昇順で最大limit件返す。
func (k *KV) ListDirty(ctx context.Context, limit int) ([]DirtyEntry, error) {
	rows, err := k.db.QueryContext(ctx,
		`SELECT key, kind, owner_id, marked_at FROM dirty_journal
		 ORDER BY marked_at ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ジャーナルの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	entries := []DirtyEntry{}
	for rows.Next() {
		var e DirtyEntry
		if err := rows.Scan(&e.Key, &e.Kind, &e.OwnerID, &e.MarkedAt); err != nil {
			return nil, fmt.Errorf("ジャーナル行の読み取りに失敗しました: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ジャーナルの走査に失敗しました: %w", err)
	}
	return entries, nil
}

// ClearDirty はリプレイ完了したジャーナルエントリを削除する。
// リプレイ開始後に同一キーへ再度書き込みがあった場合はmarked_atが進んでいるため
// 削除されず、次回のリプレイ対象として残る。
func (k *KV) ClearDirty(ctx context.Context, key string, markedAt time.Time) error {
	_, err := k.db.ExecContext(ctx,
		`DELETE FROM dirty_journal WHERE key = ? AND marked_at = ?`,
		key, markedAt,
	)
	if err != nil {
		return fmt.Errorf("ジャーナルの削除に失敗しました: %w", err)
	}
	return nil
}
