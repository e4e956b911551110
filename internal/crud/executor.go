// Package crud исполняет чтение и запись объектов поверх таблиц и представлений,
// построенных компилятором схемы: проверка прав, валидация, связи, дочерние
// записи, журнал изменений и патч результата.
package crud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"featherdb/internal/auth"
	"featherdb/internal/catalog"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/pg"
	"featherdb/internal/types"

	"go.uber.org/zap"
)

// Executor не хранит состояния запроса; всё запросное приходит в Scope.
type Executor struct {
	reg    *types.Registry
	log    *zap.Logger
	nodeID string
	now    func() time.Time
}

// NewExecutor — nodeID попадает в блокировки записей.
func NewExecutor(reg *types.Registry, log *zap.Logger, nodeID string) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{reg: reg, log: log.Named("crud"), nodeID: nodeID, now: time.Now}
}

// Scope — контекст одного запроса: транзакция, снимок каталога и вызывающий.
type Scope struct {
	Q          pg.Querier
	Catalog    *catalog.Catalog
	User       string
	Privileged bool
	SessionID  string

	entries []Entry
}

// Entries — записи журнала, созданные в рамках запроса.
func (s *Scope) Entries() []Entry { return s.entries }

// Query — параметры выборки. IsChild разрешает читать дочерний feather напрямую.
type Query struct {
	ID          string
	Filter      *Filter
	ShowDeleted bool
	IsChild     bool
}

// Select — одна запись (ID задан) или список.
func (e *Executor) Select(ctx context.Context, s *Scope, name string, q Query) (any, error) {
	if q.ID != "" {
		return e.Get(ctx, s, name, q)
	}
	return e.List(ctx, s, name, q)
}

// Get читает запись по id.
func (e *Executor) Get(ctx context.Context, s *Scope, name string, q Query) (Record, error) {
	f, err := e.readable(s, name, q.IsChild)
	if err != nil {
		return nil, err
	}
	if !s.Privileged {
		ok, err := auth.IsAuthorizedObject(ctx, s.Q, s.User, auth.Read, q.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, failure.Unauthorized.New("%s may not read %s", s.User, q.ID)
		}
	}
	raw, err := fetch(ctx, s.Q, f.Name, "t.id = $1", q.ID)
	if err != nil {
		return nil, err
	}
	if raw == nil || (!q.ShowDeleted && raw["isDeleted"] == true) {
		return nil, failure.NotFound.New("%s %s", f.Name, q.ID)
	}
	return e.normalize(s.Catalog, f, raw), nil
}

// List — выборка по фильтру с сортировкой и пагинацией. Без привилегий строки
// отсекаются правом чтения: переопределением объекта или правом его feather.
func (e *Executor) List(ctx context.Context, s *Scope, name string, q Query) ([]Record, error) {
	f, err := e.readable(s, name, q.IsChild)
	if err != nil {
		return nil, err
	}
	b := newQuery(e.reg, s.Catalog, f, "t")
	var conds []string
	if !q.ShowDeleted {
		conds = append(conds, `not t."isDeleted"`)
	}
	where, err := b.where(q.Filter)
	if err != nil {
		return nil, err
	}
	conds = append(conds, where...)
	if !s.Privileged {
		conds = append(conds, auth.ReadFilter("t", b.arg(s.User)))
	}
	order, err := b.orderBy(q.Filter)
	if err != nil {
		return nil, err
	}
	limit, err := page(q.Filter)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("select to_jsonb(t) from " + pg.Ident(pg.View(f.Name)) + " t")
	if len(conds) > 0 {
		sb.WriteString("\nwhere " + strings.Join(conds, "\n  and "))
	}
	sb.WriteString("\n" + order)
	if limit != "" {
		sb.WriteString("\n" + limit)
	}

	rows, err := s.Q.QueryContext(ctx, sb.String(), b.args...)
	if err != nil {
		return nil, failure.FromPg(err)
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		raw := map[string]any{}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		out = append(out, e.normalize(s.Catalog, f, raw))
	}
	return out, rows.Err()
}

func (e *Executor) readable(s *Scope, name string, asChild bool) (*feather.Feather, error) {
	f, err := s.Catalog.Resolve(name)
	if err != nil {
		return nil, err
	}
	if f.IsChild && !asChild && !s.Privileged {
		return nil, failure.Validation.New("%s is a child feather; read it through its parent", name)
	}
	return f, nil
}

// fetch — одна строка представления feather (с ключами "_..."), nil если нет.
func fetch(ctx context.Context, q pg.Querier, featherName, cond string, args ...any) (map[string]any, error) {
	var data []byte
	err := q.QueryRowContext(ctx,
		fmt.Sprintf("select to_jsonb(t) from %s t where %s", pg.Ident(pg.View(featherName)), cond), args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// locate находит запись по id среди строк name и его наследников и возвращает
// её фактический feather.
func locate(ctx context.Context, q pg.Querier, name, id string) (concrete string, pk int64, deleted bool, err error) {
	err = q.QueryRowContext(ctx, fmt.Sprintf(`select %s(t.tableoid), t._pk, t.is_deleted from %s t where t.id = $1`,
		pg.Ident(pg.FeatherOfFunc), pg.Ident(pg.Table(name))), id).Scan(&concrete, &pk, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, failure.NotFound.New("%s %s", name, id)
	}
	return concrete, pk, deleted, err
}
