package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

// TestIsUniqueViolation は一意制約違反(23505)の判定を検証する。
// ドライバのエラーがラップされていても検出できること。
func TestIsUniqueViolation(t *testing.T) {
	unique := &pq.Error{
		Code:       "23505",
		Constraint: "idx_learning_history_owner_roadmap",
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", unique, true},
		{"wrapped unique violation", fmt.Errorf("学習履歴の作成に失敗しました: %w", unique), true},
		{"foreign key violation", &pq.Error{Code: "23503"}, false},
		{"plain transport error", errors.New("connection refused"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
