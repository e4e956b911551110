package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ExecBatch отправляет операторы одним вызовом (simple protocol, без параметров),
// так что postgres применяет их как единое целое в текущей транзакции.
func ExecBatch(ctx context.Context, q Querier, stmts []string) error {
	var sb strings.Builder
	for _, s := range stmts {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		sb.WriteString(strings.TrimSuffix(s, ";"))
		sb.WriteString(";\n")
	}
	if sb.Len() == 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx, sb.String()); err != nil {
		return fmt.Errorf("DDL batch failed: %w", err)
	}
	return nil
}

// ApplyIdempotent выполняет операторы по одному; duplicate_object (42710) и
// duplicate_table (42P07) пропускаются. Используется для bootstrap.
func ApplyIdempotent(ctx context.Context, q Querier, log *zap.Logger, stmts []string) error {
	for _, s := range stmts {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := q.ExecContext(ctx, s); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && (pgErr.Code == "42710" || pgErr.Code == "42P07") {
				log.Debug("DDL skipped (already exists)", zap.String("message", strings.TrimSpace(pgErr.Message)))
				continue
			}
			return fmt.Errorf("DDL apply failed: %w", err)
		}
	}
	return nil
}
