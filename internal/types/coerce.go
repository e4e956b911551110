package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Coerce проверяет значение под тип/формат и приводит его к каноническому JSON-виду.
// nil всегда допустим (обязательность проверяет исполнитель).
func (r *Registry) Coerce(typ, format string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if _, err := r.Lookup(typ, format); err != nil {
		return nil, err
	}
	switch format {
	case FormatDate:
		return toDate(v)
	case FormatDateTime:
		return toDateTime(v)
	case FormatMoney:
		return toMoney(v)
	}
	switch typ {
	case String:
		return toStringStrict(v)
	case Number:
		return toFloatStrict(v)
	case Integer:
		n, err := toIntStrict(v)
		if err != nil {
			return nil, err
		}
		return float64(n), nil
	case Boolean:
		return toBoolStrict(v)
	case Array:
		if _, ok := v.([]any); !ok {
			return nil, errors.New("must be array")
		}
		return v, nil
	case Object:
		switch v.(type) {
		case map[string]any, []any:
			return v, nil
		}
		return nil, errors.New("must be object")
	}
	return v, nil
}

// Encode — текстовое представление для параметра $n::text::<column>.
func (r *Registry) Encode(typ, format string, v any) (any, error) {
	c, err := r.Coerce(typ, format, v)
	if err != nil || c == nil {
		return nil, err
	}
	if format == FormatMoney {
		m := c.(map[string]any)
		return marshal(map[string]any{
			"amount":      m["amount"],
			"currency":    m["currency"],
			"effective":   m["effective"],
			"base_amount": m["baseAmount"],
		})
	}
	switch t := c.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return marshal(t)
	}
}

// Normalize приводит значение, прочитанное из базы (to_jsonb), к тому же виду,
// что и Coerce, чтобы сравнение и diff не видели ложных расхождений.
func (r *Registry) Normalize(typ, format string, v any) any {
	if v == nil {
		return nil
	}
	if format == FormatMoney {
		if m, ok := v.(map[string]any); ok {
			if _, raw := m["base_amount"]; raw {
				m = map[string]any{
					"amount":     m["amount"],
					"currency":   m["currency"],
					"effective":  m["effective"],
					"baseAmount": m["base_amount"],
				}
			}
			if out, err := toMoney(m); err == nil {
				return out
			}
		}
		return v
	}
	if out, err := r.Coerce(typ, format, v); err == nil {
		return out
	}
	return v
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func toStringStrict(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	default:
		// числа не форматируем в строки молча
		return "", errors.New("must be string")
	}
}

func toIntStrict(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		// JSON числа приходят как float64 — проверяем целостность
		if t != math.Trunc(t) {
			return 0, errors.New("must be integer")
		}
		return int64(t), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case json.Number:
		return t.Int64()
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, errors.New("must be integer")
		}
		return n, nil
	default:
		return 0, errors.New("must be integer")
	}
}

func toFloatStrict(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, errors.New("must be number")
		}
		return f, nil
	default:
		return 0, errors.New("must be number")
	}
}

func toBoolStrict(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off":
			return false, nil
		}
	}
	return false, errors.New("must be boolean")
}

func toDate(v any) (string, error) {
	s, err := toStringStrict(v)
	if err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	if d, err := time.Parse(dateLayout, s); err == nil {
		return d.Format(dateLayout), nil
	}
	// допускаем полную дату-время, берём календарную дату
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.Format(dateLayout), nil
	}
	return "", errors.New("must match YYYY-MM-DD")
}

func toDateTime(v any) (string, error) {
	s, err := toStringStrict(v)
	if err != nil {
		return "", err
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return "", errors.New("must be RFC3339 datetime")
	}
	return FormatTime(ts), nil
}

// FormatTime — каноническое представление dateTime (UTC, микросекунды как в postgres).
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}

func toMoney(v any) (map[string]any, error) {
	switch t := v.(type) {
	case float64, int, int64, json.Number:
		amount, _ := toFloatStrict(t)
		return map[string]any{"amount": amount, "currency": DefaultCurrency, "effective": nil, "baseAmount": nil}, nil
	case map[string]any:
		out := map[string]any{"currency": DefaultCurrency, "effective": nil, "baseAmount": nil}
		amount, err := toFloatStrict(t["amount"])
		if err != nil {
			return nil, fmt.Errorf("money amount %v", err)
		}
		out["amount"] = amount
		if c, ok := t["currency"]; ok && c != nil {
			s, err := toStringStrict(c)
			if err != nil || strings.TrimSpace(s) == "" {
				return nil, errors.New("money currency must be a code")
			}
			out["currency"] = s
		}
		if e, ok := t["effective"]; ok && e != nil {
			s, err := toDateTime(e)
			if err != nil {
				return nil, fmt.Errorf("money effective %v", err)
			}
			out["effective"] = s
		}
		if b, ok := t["baseAmount"]; ok && b != nil {
			f, err := toFloatStrict(b)
			if err != nil {
				return nil, fmt.Errorf("money baseAmount %v", err)
			}
			out["baseAmount"] = f
		}
		return out, nil
	default:
		return nil, errors.New("must be money object")
	}
}
