package crud

import (
	"context"
	"encoding/json"
	"strings"

	"featherdb/internal/catalog"
	"featherdb/internal/feather"
	"featherdb/internal/metrics"
	"featherdb/internal/types"
)

// Record — объект в том виде, в каком он отдаётся наружу.
type Record = map[string]any

// pkOf — внутренний ключ строки представления (ещё не очищенной).
func pkOf(raw map[string]any) int64 { return intOf(raw["_pk"]) }

// intOf — целое из декодированного JSON (float64 или json.Number).
func intOf(x any) int64 {
	switch v := x.(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// strip убирает служебные ключи "_..." на всех уровнях вложенности.
func strip(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if strings.HasPrefix(k, "_") {
				continue
			}
			out[k] = strip(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = strip(val)
		}
		return out
	}
	return v
}

// normalize приводит строку представления к каноническому виду: без служебных
// ключей, значения — как после Coerce (даты, деньги, числа).
func (e *Executor) normalize(cat *catalog.Catalog, f *feather.Feather, raw map[string]any) Record {
	out := make(Record, len(raw))
	for k, v := range raw {
		if strings.HasPrefix(k, "_") {
			continue
		}
		p := f.Property(k)
		if p == nil {
			out[k] = strip(v)
			continue
		}
		out[k] = e.normalizeValue(cat, p, v)
	}
	return out
}

func (e *Executor) normalizeValue(cat *catalog.Catalog, p *feather.Property, v any) any {
	if v == nil {
		return nil
	}
	switch t := p.Type.(type) {
	case feather.Primitive:
		return e.reg.Normalize(string(t), p.Format, v)
	case feather.ToOne:
		m, ok := v.(map[string]any)
		if !ok {
			return strip(v)
		}
		target, err := cat.Resolve(t.Relation)
		if err != nil {
			return strip(m)
		}
		return e.normalize(cat, target, m)
	case feather.ToMany:
		list, ok := v.([]any)
		if !ok {
			return strip(v)
		}
		target, err := cat.Resolve(t.Relation)
		if err != nil {
			return strip(list)
		}
		out := make([]any, len(list))
		for i, it := range list {
			if m, ok := it.(map[string]any); ok {
				out[i] = e.normalize(cat, target, m)
			} else {
				out[i] = strip(it)
			}
		}
		return out
	}
	return strip(v)
}

// Действия журнала изменений
const (
	ActionInsert = "POST"
	ActionUpdate = "PATCH"
	ActionDelete = "DELETE"
)

// Entry — запись журнала "$log".
type Entry struct {
	ObjectID  string `json:"objectId"`
	Feather   string `json:"feather"`
	Action    string `json:"action"`
	Created   string `json:"created"`
	CreatedBy string `json:"createdBy"`
	Change    any    `json:"change"`
}

// journal пишет запись журнала в транзакции запроса и запоминает её в Scope
// (после фиксации её можно разослать подписчикам).
func (e *Executor) journal(ctx context.Context, s *Scope, featherName, id, action string, change any) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	now := e.now()
	if _, err := s.Q.ExecContext(ctx,
		`insert into "$log" (object_id, action, created, created_by, change) values ($1, $2, $3, $4, $5::text::jsonb)`,
		id, action, now, s.User, string(data)); err != nil {
		return err
	}
	metrics.ChangeLogEntries.WithLabelValues(action).Inc()
	s.entries = append(s.entries, Entry{
		ObjectID:  id,
		Feather:   featherName,
		Action:    action,
		Created:   types.FormatTime(now),
		CreatedBy: s.User,
		Change:    change,
	})
	return nil
}
