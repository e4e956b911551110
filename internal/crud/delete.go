package crud

import (
	"context"
	"fmt"
	"time"

	"featherdb/internal/auth"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/pg"
	"featherdb/internal/schema"

	"go.uber.org/zap"
)

// Delete помечает запись удалённой вместе со всеми её дочерними записями.
// Строки не удаляются физически; в журнал пишется одна запись.
func (e *Executor) Delete(ctx context.Context, s *Scope, name, id string) error {
	f, pk, err := e.writable(ctx, s, name, id, auth.Delete)
	if err != nil {
		return err
	}
	now := e.now().UTC().Truncate(time.Microsecond)
	if err := e.softDelete(ctx, s, f, pk, now); err != nil {
		return err
	}
	if err := e.journal(ctx, s, f.Name, id, ActionDelete, Record{"isDeleted": true}); err != nil {
		return err
	}
	e.log.Debug("deleted", zap.String("feather", f.Name), zap.String("id", id))
	return nil
}

// softDelete сначала удаляет дочерние записи (рекурсивно), потом саму строку.
func (e *Executor) softDelete(ctx context.Context, s *Scope, f *feather.Feather, pk int64, now time.Time) error {
	for _, p := range f.Properties {
		if _, ok := p.Type.(feather.ToMany); !ok {
			continue
		}
		child, fk, err := schema.ChildLink(s.Catalog, p)
		if err != nil {
			return err
		}
		pks, err := livePKs(ctx, s.Q, child.Name, fk, pk)
		if err != nil {
			return err
		}
		for _, cpk := range pks {
			if err := e.softDelete(ctx, s, child, cpk, now); err != nil {
				return err
			}
		}
	}
	_, err := s.Q.ExecContext(ctx, fmt.Sprintf(
		"update %s set is_deleted = true, updated = $2, updated_by = $3 where _pk = $1",
		pg.Ident(pg.Table(f.Name))), pk, now, s.User)
	return failure.FromPg(err)
}

// livePKs — ключи неудалённых дочерних строк. Читаются целиком до следующего
// запроса: в транзакции одно соединение.
func livePKs(ctx context.Context, q pg.Querier, child, fk string, parent int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("select _pk from %s where %s = $1 and not is_deleted order by _pk",
		pg.Ident(pg.Table(child)), pg.Ident(fk)), parent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var pk int64
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}
