package crud

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"featherdb/internal/catalog"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/pg"
	"featherdb/internal/types"
)

// Filter — структурированный фильтр выборки.
type Filter struct {
	Criteria []Criterion `json:"criteria,omitempty"`
	Sort     []SortKey   `json:"sort,omitempty"`
	Offset   int         `json:"offset,omitempty"`
	Limit    int         `json:"limit,omitempty"`
}

// Criterion — условие; несколько свойств объединяются через OR.
type Criterion struct {
	Property PropertyList `json:"property"`
	Operator string       `json:"operator,omitempty"`
	Value    any          `json:"value,omitempty"`
}

// SortKey — ключ сортировки, order: asc (по умолчанию) или desc.
type SortKey struct {
	Property string `json:"property"`
	Order    string `json:"order,omitempty"`
}

// PropertyList принимает в JSON строку или массив строк.
type PropertyList []string

func (l *PropertyList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = PropertyList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return failure.Validation.New("criterion property must be a string or a list of strings")
	}
	*l = many
	return nil
}

func (l PropertyList) MarshalJSON() ([]byte, error) {
	if len(l) == 1 {
		return json.Marshal(l[0])
	}
	return json.Marshal([]string(l))
}

var operators = map[string]string{
	"=":           "=",
	"!=":          "<>",
	"<":           "<",
	">":           ">",
	"<=":          "<=",
	">=":          ">=",
	"~":           "~",
	"~*":          "~*",
	"!~":          "!~",
	"!~*":         "!~*",
	"IN":          "in",
	"IS NULL":     "is null",
	"IS NOT NULL": "is not null",
}

// MaxLimit — верхняя граница limit одной выборки.
const MaxLimit = 1000

// query собирает параметризованный SQL над представлением с псевдонимом alias.
type query struct {
	reg   *types.Registry
	cat   *catalog.Catalog
	f     *feather.Feather
	alias string
	args  []any
}

func newQuery(reg *types.Registry, cat *catalog.Catalog, f *feather.Feather, alias string) *query {
	return &query{reg: reg, cat: cat, f: f, alias: alias}
}

// arg добавляет параметр и возвращает его номер.
func (q *query) arg(v any) int {
	q.args = append(q.args, v)
	return len(q.args)
}

// operand — выражение над представлением и тип, в который приводится значение.
type operand struct {
	expr   string
	column string
	typ    string
	format string
}

// operand разбирает путь свойства: "name", "customer.name", "customer" (сравнение по id).
func (q *query) operand(path string) (operand, error) {
	segs := strings.Split(path, ".")
	f := q.f
	expr := ""
	for i, seg := range segs {
		p := f.Property(seg)
		if p == nil {
			return operand{}, failure.Validation.New("%s: unknown property %q", f.Name, path)
		}
		last := i == len(segs)-1
		switch t := p.Type.(type) {
		case feather.Primitive:
			if !last {
				return operand{}, failure.Validation.New("%s: %s is not a relation", path, seg)
			}
			col, err := q.reg.Column(string(t), p.Format, p.Precision, p.Scale)
			if err != nil {
				return operand{}, failure.Validation.New("%s: %v", path, err)
			}
			o := operand{column: col, typ: string(t), format: p.Format}
			switch {
			case i == 0:
				o.expr = q.alias + "." + pg.Ident(seg)
			case col == "jsonb" || col == types.MoneyType:
				o.expr = fmt.Sprintf("(%s->%s)", expr, pg.Literal(seg))
				o.column = "jsonb"
			default:
				o.expr = fmt.Sprintf("(%s->>%s)::%s", expr, pg.Literal(seg), col)
			}
			return o, nil
		case feather.ToOne:
			if i == 0 {
				expr = q.alias + "." + pg.Ident(seg)
			} else {
				expr = fmt.Sprintf("(%s->%s)", expr, pg.Literal(seg))
			}
			if last {
				return operand{expr: fmt.Sprintf("(%s->>'id')", expr), column: "text", typ: types.String}, nil
			}
			if len(t.Properties) > 0 && segs[i+1] != "id" && !contains(t.Properties, segs[i+1]) {
				return operand{}, failure.Validation.New("%s: %s exposes only %s", path, seg, strings.Join(t.Properties, ", "))
			}
			target, err := q.cat.Resolve(t.Relation)
			if err != nil {
				return operand{}, err
			}
			f = target
		default:
			return operand{}, failure.Validation.New("%s: cannot filter or sort through to-many %s", path, seg)
		}
	}
	return operand{}, failure.Validation.New("empty property path")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// value кодирует значение под тип операнда и возвращает приведённый плейсхолдер.
func (q *query) value(o operand, path string, v any) (string, error) {
	if v == nil {
		return "", failure.Validation.New("%s: value is required, use IS NULL to match empty values", path)
	}
	enc, err := q.reg.Encode(o.typ, o.format, v)
	if err != nil {
		return "", failure.Validation.New("%s: %v", path, err)
	}
	return types.Placeholder(o.column, q.arg(enc)), nil
}

func (q *query) criterion(c Criterion) (string, error) {
	op := strings.ToUpper(strings.Join(strings.Fields(c.Operator), " "))
	if op == "" {
		op = "="
	}
	sqlOp, ok := operators[op]
	if !ok {
		return "", failure.Validation.New("unknown operator %q", c.Operator)
	}
	if len(c.Property) == 0 {
		return "", failure.Validation.New("criterion without property")
	}

	var parts []string
	for _, path := range c.Property {
		o, err := q.operand(path)
		if err != nil {
			return "", err
		}
		switch op {
		case "IS NULL", "IS NOT NULL":
			parts = append(parts, o.expr+" "+sqlOp)
		case "IN":
			list, ok := c.Value.([]any)
			if !ok {
				return "", failure.Validation.New("%s: IN expects a list", path)
			}
			if len(list) == 0 {
				parts = append(parts, "false")
				continue
			}
			ph := make([]string, 0, len(list))
			for _, v := range list {
				p, err := q.value(o, path, v)
				if err != nil {
					return "", err
				}
				ph = append(ph, p)
			}
			parts = append(parts, fmt.Sprintf("%s in (%s)", o.expr, strings.Join(ph, ", ")))
		case "~", "~*", "!~", "!~*":
			s, ok := c.Value.(string)
			if !ok {
				return "", failure.Validation.New("%s: pattern must be a string", path)
			}
			parts = append(parts, fmt.Sprintf("%s::text %s $%d::text", o.expr, sqlOp, q.arg(s)))
		default:
			p, err := q.value(o, path, c.Value)
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%s %s %s", o.expr, sqlOp, p))
		}
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " or ") + ")", nil
}

// where — условия фильтра, объединённые через AND.
func (q *query) where(f *Filter) ([]string, error) {
	if f == nil {
		return nil, nil
	}
	out := make([]string, 0, len(f.Criteria))
	for _, c := range f.Criteria {
		s, err := q.criterion(c)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// orderBy — сортировка фильтра и завершающий ключ _pk для устойчивой пагинации.
func (q *query) orderBy(f *Filter) (string, error) {
	var keys []string
	if f != nil {
		for _, s := range f.Sort {
			o, err := q.operand(s.Property)
			if err != nil {
				return "", err
			}
			switch strings.ToLower(s.Order) {
			case "", "asc":
				keys = append(keys, o.expr+" asc")
			case "desc":
				keys = append(keys, o.expr+" desc")
			default:
				return "", failure.Validation.New("%s: unknown sort order %q", s.Property, s.Order)
			}
		}
	}
	keys = append(keys, q.alias+"._pk")
	return "order by " + strings.Join(keys, ", "), nil
}

func page(f *Filter) (string, error) {
	if f == nil {
		return "", nil
	}
	if f.Limit < 0 || f.Offset < 0 {
		return "", failure.Validation.New("limit and offset must not be negative")
	}
	var out []string
	if f.Limit > 0 {
		out = append(out, "limit "+strconv.Itoa(min(f.Limit, MaxLimit)))
	}
	if f.Offset > 0 {
		out = append(out, "offset "+strconv.Itoa(f.Offset))
	}
	return strings.Join(out, " "), nil
}
