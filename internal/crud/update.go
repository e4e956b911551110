package crud

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"featherdb/internal/auth"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/pg"
	"featherdb/internal/schema"
	"featherdb/internal/types"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"
)

// Update применяет JSON-патч к записи id. Возвращает патч от ожидаемого
// результата (запись с применённым патчем) к тому, что сохранилось.
func (e *Executor) Update(ctx context.Context, s *Scope, name, id string, patch []byte) (jsondiff.Patch, error) {
	ops, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, failure.Validation.New("invalid patch: %v", err)
	}
	f, pk, err := e.writable(ctx, s, name, id, auth.Update)
	if err != nil {
		return nil, err
	}
	raw, err := fetch(ctx, s.Q, f.Name, "t._pk = $1", pk)
	if err != nil {
		return nil, err
	}
	orig := e.normalize(s.Catalog, f, raw)

	doc, err := json.Marshal(orig)
	if err != nil {
		return nil, err
	}
	applied, err := ops.Apply(doc)
	if err != nil {
		return nil, failure.Validation.New("patch does not apply: %v", err)
	}
	intended := Record{}
	if err := json.Unmarshal(applied, &intended); err != nil {
		return nil, failure.Validation.New("patched record: %v", err)
	}

	now := e.now().UTC().Truncate(time.Microsecond)
	if _, err := e.updateRow(ctx, s, f, raw, orig, intended, now, true); err != nil {
		return nil, err
	}
	after, err := fetch(ctx, s.Q, f.Name, "t._pk = $1", pk)
	if err != nil {
		return nil, err
	}
	persisted := e.normalize(s.Catalog, f, after)
	change, err := jsondiff.Compare(orig, persisted)
	if err != nil {
		return nil, err
	}
	if err := e.journal(ctx, s, f.Name, id, ActionUpdate, change); err != nil {
		return nil, err
	}
	return jsondiff.Compare(intended, persisted)
}

// writable находит запись, её фактический feather и проверяет право action.
func (e *Executor) writable(ctx context.Context, s *Scope, name, id string, action auth.Action) (*feather.Feather, int64, error) {
	if _, err := s.Catalog.Resolve(name); err != nil {
		return nil, 0, err
	}
	concrete, pk, deleted, err := locate(ctx, s.Q, name, id)
	if err != nil {
		return nil, 0, err
	}
	if deleted {
		return nil, 0, failure.NotFound.New("%s %s is deleted", name, id)
	}
	f, err := s.Catalog.Resolve(concrete)
	if err != nil {
		return nil, 0, err
	}
	if f.IsChild && !s.Privileged {
		return nil, 0, failure.Validation.New("%s is a child feather; change it through its parent", f.Name)
	}
	if !s.Privileged {
		ok, err := auth.IsAuthorizedObject(ctx, s.Q, s.User, action, id)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, 0, failure.Unauthorized.New("%s may not %s %s", s.User, strings.TrimPrefix(string(action), "can"), id)
		}
	}
	return f, pk, nil
}

// updateRow сравнивает intended с orig и пишет разницу: колонки строки,
// затем дочерние записи (по id: новые вставляются, пропавшие удаляются,
// изменённые обновляются). Отметка updated ставится, если что-то изменилось
// или force. Возвращает, была ли запись изменена.
func (e *Executor) updateRow(ctx context.Context, s *Scope, f *feather.Feather, raw map[string]any, orig, intended Record, now time.Time, force bool) (bool, error) {
	pk := pkOf(raw)
	for k, v := range intended {
		p := f.Property(k)
		if p == nil {
			return false, failure.Validation.New("%s: unknown property %q", f.Name, k)
		}
		if (system[k] || p.IsReadOnly || k == f.Discriminator) && !reflect.DeepEqual(v, orig[k]) {
			return false, failure.Validation.New("%s.%s is read-only", f.Name, k)
		}
	}

	var (
		args params
		sets []string
	)
	for _, p := range f.Properties {
		if system[p.Name] || p.IsReadOnly || p.Name == f.Discriminator {
			continue
		}
		nv, ov := intended[p.Name], orig[p.Name]
		switch t := p.Type.(type) {
		case feather.Primitive:
			if nv == nil && p.IsRequired {
				return false, failure.Validation.New("%s.%s is required", f.Name, p.Name)
			}
			if reflect.DeepEqual(e.reg.Normalize(string(t), p.Format, nv), ov) {
				// равнозначная запись того же значения
				if nv != nil {
					intended[p.Name] = ov
				}
				continue
			}
			col := pg.Ident(pg.Column(p.Name))
			if nv == nil {
				sets = append(sets, col+" = null")
				continue
			}
			colType, enc, err := e.encode(f, p, t, nv)
			if err != nil {
				return false, err
			}
			if p.IsUnique {
				if err := e.checkUnique(ctx, s, f, p, colType, enc, pk); err != nil {
					return false, err
				}
			}
			sets = append(sets, col+" = "+types.Placeholder(colType, args.add(enc)))
		case feather.ToOne:
			if nv == nil && p.IsRequired {
				return false, failure.Validation.New("%s.%s is required", f.Name, p.Name)
			}
			if refID(nv) == refID(ov) {
				continue
			}
			col := pg.Ident(pg.FKColumn(p.Name, t.Relation))
			if nv == nil {
				sets = append(sets, col+" = null")
				continue
			}
			ref, err := e.resolveRef(ctx, s, f, p, t, nv)
			if err != nil {
				return false, err
			}
			sets = append(sets, col+" = "+args.ref(ref)+"::bigint")
		case feather.ChildOf:
			// обратная ссылка в записи не видна; присланная переносит строку к другому родителю
			if nv == nil {
				continue
			}
			fk := pg.FKColumn(p.Name, t.Relation)
			ref, err := e.resolveRef(ctx, s, f, p, feather.ToOne{Relation: t.Relation}, nv)
			if err != nil {
				return false, err
			}
			if ref == intOf(raw[fk]) {
				continue
			}
			sets = append(sets, pg.Ident(fk)+" = "+args.ref(ref)+"::bigint")
		}
	}

	childChanged, err := e.updateChildren(ctx, s, f, raw, orig, intended, now)
	if err != nil {
		return false, err
	}
	changed := len(sets) > 0 || childChanged
	if !changed && !force {
		return false, nil
	}

	sets = append(sets, "updated = "+args.ref(now), "updated_by = "+args.ref(s.User))
	_, err = s.Q.ExecContext(ctx, fmt.Sprintf("update %s set %s where _pk = %s",
		pg.Ident(pg.Table(f.Name)), strings.Join(sets, ", "), args.ref(pk)), args...)
	if err != nil {
		return false, failure.FromPg(err)
	}
	intended["updated"] = types.FormatTime(now)
	intended["updatedBy"] = s.User
	return true, nil
}

func (e *Executor) updateChildren(ctx context.Context, s *Scope, f *feather.Feather, raw map[string]any, orig, intended Record, now time.Time) (bool, error) {
	changed := false
	pk := pkOf(raw)
	for _, p := range f.Properties {
		if _, ok := p.Type.(feather.ToMany); !ok {
			continue
		}
		nv, present := intended[p.Name]
		if !present {
			continue
		}
		items, ok := nv.([]any)
		if nv != nil && !ok {
			return false, failure.Validation.New("%s.%s: expected a list", f.Name, p.Name)
		}
		child, fk, err := schema.ChildLink(s.Catalog, p)
		if err != nil {
			return false, err
		}

		oldRaw := byID(raw[p.Name])
		oldNorm := byID(orig[p.Name])
		seen := map[string]bool{}
		for _, it := range items {
			m, ok := it.(map[string]any)
			if !ok {
				return false, failure.Validation.New("%s.%s: items must be objects", f.Name, p.Name)
			}
			id, _ := m["id"].(string)
			if prev, ok := oldRaw[id]; ok && id != "" {
				seen[id] = true
				c, err := e.updateRow(ctx, s, child, prev, oldNorm[id], m, now, false)
				if err != nil {
					return false, fmt.Errorf("%s.%s: %w", f.Name, p.Name, err)
				}
				changed = changed || c
				continue
			}
			if _, _, err := e.insertRow(ctx, s, child, m, map[string]int64{fk: pk}); err != nil {
				return false, fmt.Errorf("%s.%s: %w", f.Name, p.Name, err)
			}
			changed = true
		}
		for id, prev := range oldRaw {
			if seen[id] {
				continue
			}
			if err := e.softDelete(ctx, s, child, pkOf(prev), now); err != nil {
				return false, err
			}
			changed = true
		}
	}
	return changed, nil
}

// byID индексирует список дочерних записей по id.
func byID(v any) map[string]map[string]any {
	out := map[string]map[string]any{}
	list, _ := v.([]any)
	for _, it := range list {
		if m, ok := it.(map[string]any); ok {
			if id, _ := m["id"].(string); id != "" {
				out[id] = m
			}
		}
	}
	return out
}

// refID — id ссылки (объект с id или строка), "" для пустой.
func refID(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]any:
		id, _ := x["id"].(string)
		return id
	}
	return ""
}
