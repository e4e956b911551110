package api

import (
	"encoding/json"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"featherdb/internal/crud"
	"featherdb/internal/failure"
)

// Служебные ключи строки запроса, не являющиеся фильтрами.
var reserved = map[string]bool{
	"offset": true, "limit": true, "sort": true,
	"_offset": true, "_limit": true, "_sort": true,
	"filter": true, "showDeleted": true, "isChild": true,
}

// Операторы вида field__op=value
var queryOps = map[string]string{
	"eq":      "=",
	"ne":      "!=",
	"lt":      "<",
	"gt":      ">",
	"lte":     "<=",
	"gte":     ">=",
	"in":      "IN",
	"like":    "~*",
	"match":   "~",
	"isnull":  "IS NULL",
	"notnull": "IS NOT NULL",
}

// ==== Параметры листинга ====

type ListParams struct {
	Filter      *crud.Filter
	ShowDeleted bool
	IsChild     bool
}

// parseListParams:
//
//	?filter={"criteria":[...],"sort":[...]}   — готовый фильтр JSON
//	?_sort=-orderDate,number&_limit=50&_offset=100
//	?name=Acme  rating__gte=3  status__in=Draft,Booked  email__isnull
//
// Условия из строки запроса добавляются к JSON-фильтру через AND.
func parseListParams(q url.Values) (ListParams, error) {
	lp := ListParams{Filter: &crud.Filter{}}
	if raw := strings.TrimSpace(q.Get("filter")); raw != "" {
		if err := json.Unmarshal([]byte(raw), lp.Filter); err != nil {
			return lp, failure.Validation.New("filter: %v", err)
		}
	}

	// limit / offset
	if v := first(q, "_limit", "limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return lp, failure.Validation.New("limit: expected a non-negative integer")
		}
		lp.Filter.Limit = n
	}
	if v := first(q, "_offset", "offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return lp, failure.Validation.New("offset: expected a non-negative integer")
		}
		lp.Filter.Offset = n
	}

	// sort
	for _, p := range strings.Split(first(q, "_sort", "sort"), ",") {
		p = strings.TrimSpace(p)
		order := "asc"
		if strings.HasPrefix(p, "-") {
			order = "desc"
			p = strings.TrimPrefix(p, "-")
		} else {
			p = strings.TrimPrefix(p, "+")
		}
		if p != "" {
			lp.Filter.Sort = append(lp.Filter.Sort, crud.SortKey{Property: p, Order: order})
		}
	}

	lp.ShowDeleted = isTrue(q.Get("showDeleted"))
	lp.IsChild = isTrue(q.Get("isChild"))

	// фильтры (исключаем служебные ключи)
	for _, key := range sortedKeys(q) {
		if reserved[key] {
			continue
		}
		field, op := key, "eq"
		if i := strings.LastIndex(key, "__"); i > 0 {
			field, op = key[:i], key[i+2:]
		}
		sqlOp, ok := queryOps[op]
		if !ok {
			return lp, failure.Validation.New("%s: unknown operator %q", field, op)
		}
		c := crud.Criterion{Property: crud.PropertyList(strings.Split(field, "|")), Operator: sqlOp}
		v := q.Get(key)
		switch sqlOp {
		case "IS NULL", "IS NOT NULL":
		case "IN":
			list := []any{}
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					list = append(list, p)
				}
			}
			c.Value = list
		default:
			c.Value = v
		}
		lp.Filter.Criteria = append(lp.Filter.Criteria, c)
	}
	return lp, nil
}

func first(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// Порядок условий детерминирован: по имени ключа.
func sortedKeys(q url.Values) []string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
