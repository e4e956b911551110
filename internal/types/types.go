// Package types — реестр примитивных типов и форматов: логический тип -> тип колонки и значение по умолчанию.
package types

import (
	"fmt"
	"sort"
	"sync"
)

// Базовые типы свойств
const (
	String  = "string"
	Number  = "number"
	Integer = "integer"
	Boolean = "boolean"
	Object  = "object"
	Array   = "array"
)

// Форматы
const (
	FormatDate     = "date"
	FormatDateTime = "dateTime"
	FormatPassword = "password"
	FormatMoney    = "money"
	FormatEmail    = "email"
	FormatURL      = "url"
	FormatTel      = "tel"
	FormatColor    = "color"
	FormatTextArea = "textArea"
	FormatScript   = "script"
	FormatEnum     = "enum"
	FormatLock     = "lock"
)

// MoneyType — составной тип postgres для денежных значений.
const MoneyType = "mony"

// Format описывает тип или формат: базовый тип, колонку и дефолт.
// Default — литерал либо имя генератора ("now()", "today()", ...).
type Format struct {
	Name    string
	Type    string
	Column  string
	Default any
}

// Registry — реестр типов и форматов. Безопасен для конкурентного чтения.
type Registry struct {
	mu        sync.RWMutex
	types     map[string]Format
	formats   map[string]Format
	precision int
	scale     int
}

// NewRegistry создаёт реестр со встроенными типами; precision/scale — для numeric по умолчанию.
func NewRegistry(precision, scale int) *Registry {
	if precision <= 0 {
		precision = 18
	}
	if scale < 0 || scale > precision {
		scale = 8
	}
	r := &Registry{
		types:     map[string]Format{},
		formats:   map[string]Format{},
		precision: precision,
		scale:     scale,
	}
	for _, f := range []Format{
		{Name: String, Type: String, Column: "text", Default: ""},
		{Name: Number, Type: Number, Column: "numeric", Default: float64(0)},
		{Name: Integer, Type: Integer, Column: "integer", Default: float64(0)},
		{Name: Boolean, Type: Boolean, Column: "boolean", Default: false},
		{Name: Object, Type: Object, Column: "jsonb", Default: nil},
		{Name: Array, Type: Array, Column: "jsonb", Default: []any{}},
	} {
		r.types[f.Name] = f
	}
	for _, f := range []Format{
		{Name: FormatDate, Type: String, Column: "date", Default: "today()"},
		{Name: FormatDateTime, Type: String, Column: "timestamp with time zone", Default: "now()"},
		{Name: FormatPassword, Type: String, Column: "text", Default: ""},
		{Name: FormatMoney, Type: Object, Column: MoneyType, Default: "money()"},
		{Name: FormatEmail, Type: String, Column: "text", Default: ""},
		{Name: FormatURL, Type: String, Column: "text", Default: ""},
		{Name: FormatTel, Type: String, Column: "text", Default: ""},
		{Name: FormatColor, Type: String, Column: "text", Default: "#000000"},
		{Name: FormatTextArea, Type: String, Column: "text", Default: ""},
		{Name: FormatScript, Type: String, Column: "text", Default: ""},
		{Name: FormatEnum, Type: String, Column: "text", Default: ""},
		{Name: FormatLock, Type: Object, Column: "jsonb", Default: nil},
	} {
		r.formats[f.Name] = f
	}
	return r
}

// Default — реестр с numeric(18,8).
var Default = NewRegistry(18, 8)

// Register добавляет (или заменяет) формат.
func (r *Registry) Register(f Format) error {
	if f.Name == "" || f.Column == "" {
		return fmt.Errorf("format name and column are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[f.Type]; !ok {
		return fmt.Errorf("format %q: unknown base type %q", f.Name, f.Type)
	}
	r.formats[f.Name] = f
	return nil
}

// Lookup возвращает формат, если он задан, иначе базовый тип.
func (r *Registry) Lookup(typ, format string) (Format, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[typ]
	if !ok {
		return Format{}, fmt.Errorf("unknown type %q", typ)
	}
	if format == "" {
		return t, nil
	}
	f, ok := r.formats[format]
	if !ok {
		return Format{}, fmt.Errorf("unknown format %q", format)
	}
	if f.Type != typ {
		return Format{}, fmt.Errorf("format %q requires type %q", format, f.Type)
	}
	return f, nil
}

// IsType — зарегистрирован ли базовый тип.
func (r *Registry) IsType(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typ]
	return ok
}

// Formats — имена зарегистрированных форматов (для метаданных).
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.formats))
	for k := range r.formats {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Column — тип колонки для свойства. Для number применяется precision/scale
// (свойства или реестра).
func (r *Registry) Column(typ, format string, precision, scale *int) (string, error) {
	f, err := r.Lookup(typ, format)
	if err != nil {
		return "", err
	}
	if f.Column != "numeric" {
		return f.Column, nil
	}
	p, s := r.precision, r.scale
	if precision != nil && *precision > 0 {
		p = *precision
	}
	if scale != nil && *scale >= 0 {
		s = *scale
	}
	if s > p {
		return "", fmt.Errorf("scale %d exceeds precision %d", s, p)
	}
	return fmt.Sprintf("numeric(%d,%d)", p, s), nil
}

// Placeholder — выражение параметра $n, приведённое к типу колонки.
// Все значения передаются текстом (см. Encode).
func Placeholder(column string, n int) string {
	return Cast(column, fmt.Sprintf("$%d::text", n))
}

// Cast приводит текстовое выражение к типу колонки; деньги собираются из JSON.
func Cast(column, expr string) string {
	if column == MoneyType {
		return fmt.Sprintf("jsonb_populate_record(NULL::%s, %s::jsonb)", MoneyType, expr)
	}
	return expr + "::" + column
}
