package types

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultCurrency — валюта для денег без явного кода.
const DefaultCurrency = "USD"

// Generator вычисляет именованный дефолт.
type Generator func(now time.Time) any

var generators = map[string]Generator{
	"now()":   func(now time.Time) any { return FormatTime(now) },
	"today()": func(now time.Time) any { return now.UTC().Format(dateLayout) },
	"money()": func(time.Time) any {
		return map[string]any{"amount": float64(0), "currency": DefaultCurrency, "effective": nil, "baseAmount": nil}
	},
	"createId()": func(time.Time) any { return NewID() },
}

// IsGenerator — является ли дефолт именем генератора.
func IsGenerator(def any) bool {
	s, ok := def.(string)
	if !ok {
		return false
	}
	_, ok = generators[strings.TrimSpace(s)]
	return ok
}

// Generators — имена доступных генераторов.
func Generators() []string {
	out := make([]string, 0, len(generators))
	for k := range generators {
		out = append(out, k)
	}
	return out
}

// DefaultValue разворачивает дефолт: генератор вызывается, литерал возвращается как есть.
func DefaultValue(def any, now time.Time) any {
	if s, ok := def.(string); ok {
		if g, ok := generators[strings.TrimSpace(s)]; ok {
			return g(now)
		}
	}
	return def
}

// FormatDefault — дефолт формата/типа (используется для обязательных свойств без своего default).
func (r *Registry) FormatDefault(typ, format string) any {
	f, err := r.Lookup(typ, format)
	if err != nil {
		return nil
	}
	return f.Default
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID — новый публичный идентификатор (ULID, монотонный в пределах процесса).
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
