package crud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"featherdb/internal/auth"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/pg"
	"featherdb/internal/schema"
	"featherdb/internal/types"

	"github.com/wI2L/jsondiff"
	"go.uber.org/zap"
)

// системные свойства Object заполняет исполнитель
var system = map[string]bool{
	"id":        true,
	"created":   true,
	"createdBy": true,
	"updated":   true,
	"updatedBy": true,
	"isDeleted": true,
	"lock":      true,
}

type params []any

// add добавляет параметр и возвращает его номер.
func (p *params) add(v any) int {
	*p = append(*p, v)
	return len(*p)
}

// ref — плейсхолдер нового параметра без приведения.
func (p *params) ref(v any) string {
	return fmt.Sprintf("$%d", p.add(v))
}

// Insert создаёт запись вместе с дочерними и возвращает патч от присланных
// данных к сохранённой записи (id, умолчания, автономера).
func (e *Executor) Insert(ctx context.Context, s *Scope, name string, data Record) (jsondiff.Patch, error) {
	f, err := s.Catalog.Resolve(name)
	if err != nil {
		return nil, err
	}
	if f.IsChild && !s.Privileged {
		return nil, failure.Validation.New("%s is a child feather; insert it through its parent", name)
	}
	if !s.Privileged {
		ok, err := auth.IsAuthorized(ctx, s.Q, s.User, auth.Create, f.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, failure.Unauthorized.New("%s may not create %s", s.User, f.Name)
		}
	}
	if data == nil {
		data = Record{}
	}

	id, pk, err := e.insertRow(ctx, s, f, data, nil)
	if err != nil {
		return nil, err
	}
	raw, err := fetch(ctx, s.Q, f.Name, "t._pk = $1", pk)
	if err != nil {
		return nil, err
	}
	persisted := e.normalize(s.Catalog, f, raw)
	if err := e.journal(ctx, s, f.Name, id, ActionInsert, persisted); err != nil {
		return nil, err
	}
	e.log.Debug("inserted", zap.String("feather", f.Name), zap.String("id", id))
	return jsondiff.Compare(data, persisted)
}

// insertRow пишет одну строку feather f (разрешённого) и рекурсивно — её
// дочерние записи. links — заранее заполненные колонки связи с родителем.
func (e *Executor) insertRow(ctx context.Context, s *Scope, f *feather.Feather, data Record, links map[string]int64) (string, int64, error) {
	for k := range data {
		if f.Property(k) == nil {
			return "", 0, failure.Validation.New("%s: unknown property %q", f.Name, k)
		}
	}
	now := e.now().UTC().Truncate(time.Microsecond)

	id, err := e.freeID(ctx, s, data["id"])
	if err != nil {
		return "", 0, err
	}
	var args params
	cols := []string{"id", "created", "created_by", "updated", "updated_by", "is_deleted"}
	at, by := args.ref(now), args.ref(s.User)
	vals := []string{args.ref(id), at, by, at, by, "false"}

	type pending struct {
		prop  *feather.Property
		items []any
	}
	var children []pending

	for _, p := range f.Properties {
		if system[p.Name] || p.Name == f.Discriminator {
			continue
		}
		v, present := data[p.Name]
		switch t := p.Type.(type) {
		case feather.ToMany:
			if !present || v == nil {
				continue
			}
			items, ok := v.([]any)
			if !ok {
				return "", 0, failure.Validation.New("%s.%s: expected a list", f.Name, p.Name)
			}
			children = append(children, pending{prop: p, items: items})
		case feather.ChildOf:
			// через родителя ссылку заполняют links; прямая запись указывает родителя сама
			fk := pg.FKColumn(p.Name, t.Relation)
			if _, linked := links[fk]; linked || v == nil {
				continue
			}
			ref, err := e.resolveRef(ctx, s, f, p, feather.ToOne{Relation: t.Relation}, v)
			if err != nil {
				return "", 0, err
			}
			cols = append(cols, fk)
			vals = append(vals, args.ref(ref)+"::bigint")
		case feather.ToOne:
			if v == nil {
				if p.IsRequired {
					return "", 0, failure.Validation.New("%s.%s is required", f.Name, p.Name)
				}
				continue
			}
			ref, err := e.resolveRef(ctx, s, f, p, t, v)
			if err != nil {
				return "", 0, err
			}
			cols = append(cols, pg.FKColumn(p.Name, t.Relation))
			vals = append(vals, args.ref(ref)+"::bigint")
		case feather.Primitive:
			if v == nil {
				switch {
				case p.Autonumber != nil:
					if v, err = e.autonumber(ctx, s, f, p); err != nil {
						return "", 0, err
					}
				case p.Default != nil:
					v = types.DefaultValue(p.Default, now)
				}
			}
			if v == nil {
				if p.IsRequired {
					return "", 0, failure.Validation.New("%s.%s is required", f.Name, p.Name)
				}
				continue
			}
			col, enc, err := e.encode(f, p, t, v)
			if err != nil {
				return "", 0, err
			}
			if p.IsUnique {
				if err := e.checkUnique(ctx, s, f, p, col, enc, 0); err != nil {
					return "", 0, err
				}
			}
			cols = append(cols, pg.Column(p.Name))
			vals = append(vals, types.Placeholder(col, args.add(enc)))
		}
	}
	for col, ref := range links {
		cols = append(cols, col)
		vals = append(vals, args.ref(ref)+"::bigint")
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pg.Ident(c)
	}
	var pk int64
	err = s.Q.QueryRowContext(ctx, fmt.Sprintf("insert into %s (%s) values (%s) returning _pk",
		pg.Ident(pg.Table(f.Name)), strings.Join(quoted, ", "), strings.Join(vals, ", ")), args...).Scan(&pk)
	if err != nil {
		return "", 0, failure.FromPg(err)
	}

	for _, ch := range children {
		child, fk, err := schema.ChildLink(s.Catalog, ch.prop)
		if err != nil {
			return "", 0, err
		}
		for _, it := range ch.items {
			m, ok := it.(map[string]any)
			if !ok {
				return "", 0, failure.Validation.New("%s.%s: items must be objects", f.Name, ch.prop.Name)
			}
			if _, _, err := e.insertRow(ctx, s, child, m, map[string]int64{fk: pk}); err != nil {
				return "", 0, fmt.Errorf("%s.%s: %w", f.Name, ch.prop.Name, err)
			}
		}
	}
	return id, pk, nil
}

// freeID — присланный id, либо новый, если присланный пуст или уже занят.
func (e *Executor) freeID(ctx context.Context, s *Scope, v any) (string, error) {
	id, _ := v.(string)
	if v != nil && id == "" {
		return "", failure.Validation.New("id must be a string")
	}
	if id == "" {
		return types.NewID(), nil
	}
	var taken bool
	if err := s.Q.QueryRowContext(ctx,
		`select exists (select 1 from object where id = $1)`, id).Scan(&taken); err != nil {
		return "", err
	}
	if taken {
		fresh := types.NewID()
		e.log.Debug("id taken, regenerated", zap.String("id", id), zap.String("new", fresh))
		return fresh, nil
	}
	return id, nil
}

// encode проверяет значение и возвращает тип колонки и текст параметра.
func (e *Executor) encode(f *feather.Feather, p *feather.Property, t feather.Primitive, v any) (string, any, error) {
	col, err := e.reg.Column(string(t), p.Format, p.Precision, p.Scale)
	if err != nil {
		return "", nil, failure.Validation.New("%s.%s: %v", f.Name, p.Name, err)
	}
	enc, err := e.reg.Encode(string(t), p.Format, v)
	if err != nil {
		return "", nil, failure.Validation.New("%s.%s: %v", f.Name, p.Name, err)
	}
	return col, enc, nil
}

// resolveRef переводит ссылку ({"id": ...} или строку id) во внутренний ключ цели.
func (e *Executor) resolveRef(ctx context.Context, s *Scope, f *feather.Feather, p *feather.Property, t feather.ToOne, v any) (int64, error) {
	var id string
	switch x := v.(type) {
	case string:
		id = x
	case map[string]any:
		id, _ = x["id"].(string)
	}
	if id == "" {
		return 0, failure.Validation.New("%s.%s: relation needs an id", f.Name, p.Name)
	}
	var pk int64
	err := s.Q.QueryRowContext(ctx, fmt.Sprintf("select _pk from %s where id = $1 and not is_deleted",
		pg.Ident(pg.Table(t.Relation))), id).Scan(&pk)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, failure.Validation.New("%s.%s: relation not found: %s %s", f.Name, p.Name, t.Relation, id)
	}
	return pk, err
}

// owner — feather, в таблице которого объявлено свойство.
func owner(f *feather.Feather, p *feather.Property) string {
	if p.InheritedFrom != "" {
		return p.InheritedFrom
	}
	return f.Name
}

// checkUnique — нет ли записи с тем же значением (кроме except). Удалённые
// записи тоже занимают значение: ограничение unique таблицы их не исключает.
// Проверяется таблица, где свойство объявлено, вместе с наследниками.
func (e *Executor) checkUnique(ctx context.Context, s *Scope, f *feather.Feather, p *feather.Property, col string, enc any, except int64) error {
	var taken bool
	err := s.Q.QueryRowContext(ctx, fmt.Sprintf(
		"select exists (select 1 from %s where %s = %s and _pk <> $2)",
		pg.Ident(pg.Table(owner(f, p))), pg.Ident(pg.Column(p.Name)), types.Placeholder(col, 1)), enc, except).Scan(&taken)
	if err != nil {
		return failure.FromPg(err)
	}
	if taken {
		return failure.Uniqueness.New("%s.%s: value %v already exists", f.Name, p.Name, enc)
	}
	return nil
}

// autonumber берёт следующее значение последовательности свойства.
func (e *Executor) autonumber(ctx context.Context, s *Scope, f *feather.Feather, p *feather.Property) (any, error) {
	var v string
	seq := schema.SequenceOf(owner(f, p), p)
	if err := s.Q.QueryRowContext(ctx, "select "+schema.AutonumberExpr(p.Autonumber, seq)).Scan(&v); err != nil {
		return nil, err
	}
	return v, nil
}
