// Package failure — классы ошибок движка и их отображение в HTTP-статусы.
package failure

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/zeebo/errs"
)

var (
	// Validation — неизвестное свойство, неверный тип/формат, пустое обязательное поле, ссылка не найдена.
	Validation = errs.Class("validation error")
	// Uniqueness — нарушение isUnique.
	Uniqueness = errs.Class("uniqueness error")
	// Conflict — устаревший etag каталога или чужая блокировка.
	Conflict = errs.Class("concurrency conflict")
	// Unauthorized — отказ шлюза авторизации.
	Unauthorized = errs.Class("unauthorized")
	// Integrity — некорректная спецификация feather; прерывает весь пакет компилятора.
	Integrity = errs.Class("schema integrity error")
	// NotFound — feather или запись отсутствует.
	NotFound = errs.Class("not found")
)

// Коды для тела ответа {"errors":[{code,...}]}
const (
	CodeValidation   = "validation"
	CodeUniqueness   = "unique_violation"
	CodeConflict     = "version_conflict"
	CodeUnauthorized = "unauthorized"
	CodeIntegrity    = "schema_integrity"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
)

// Code возвращает машинный код класса ошибки.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case Validation.Has(err):
		return CodeValidation
	case Uniqueness.Has(err):
		return CodeUniqueness
	case Conflict.Has(err):
		return CodeConflict
	case Unauthorized.Has(err):
		return CodeUnauthorized
	case Integrity.Has(err):
		return CodeIntegrity
	case NotFound.Has(err):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// Status — HTTP-статус для ошибки.
func Status(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUniqueness, CodeConflict:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeIntegrity:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// FromPg переводит ошибки драйвера в классы движка (23505 -> Uniqueness).
// Остальные ошибки возвращаются как есть.
func FromPg(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return Uniqueness.New("%s (%s)", pgErr.Detail, pgErr.ConstraintName)
		case "23502":
			return Validation.New("column %q is required", pgErr.ColumnName)
		}
	}
	return err
}
