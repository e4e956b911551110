package pg

import (
	"strings"
	"unicode"

	"github.com/jackc/pgx/v5"
)

// Ident — идентификатор в кавычках (pgx.Identifier экранирует кавычки внутри).
func Ident(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}

// Snake переводит PascalCase/camelCase в snake_case: SalesOrderLine -> sales_order_line,
// HTTPServer -> http_server.
func Snake(s string) string {
	rs := []rune(s)
	var sb strings.Builder
	for i, r := range rs {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := rs[i-1]
				nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					sb.WriteByte('_')
				}
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Table — имя таблицы feather.
func Table(feather string) string { return Snake(feather) }

// View — плоское представление feather: "_" + таблица.
func View(feather string) string { return "_" + Table(feather) }

// CompositeView — подпредставление составной связи: "_" + таблица + "$" + свойство.
func CompositeView(feather, property string) string {
	return View(feather) + "$" + property
}

// Column — колонка примитивного свойства.
func Column(property string) string { return Snake(property) }

// FKColumn — колонка связи: "_" + свойство + "_" + таблица цели + "_pk".
func FKColumn(property, target string) string {
	return "_" + Snake(property) + "_" + Table(target) + "_pk"
}

// Sequence — последовательность автонумерации по умолчанию.
func Sequence(feather, property string) string {
	return Table(feather) + "_" + Snake(property) + "_seq"
}

// UniqueConstraint и Index — имена ограничений по свойству.
func UniqueConstraint(feather, property string) string {
	return Table(feather) + "_" + Snake(property) + "_key"
}

func Index(feather, property string) string {
	return Table(feather) + "_" + Snake(property) + "_idx"
}

// Literal — строковый литерал SQL.
func Literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
