package api

import (
	"strings"

	"featherdb/internal/failure"

	"github.com/gin-gonic/gin"
)

type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Префиксы классов ошибок в тексте (errs.Class добавляет "<класс>: ").
var classPrefixes = []string{
	"validation error: ",
	"uniqueness error: ",
	"concurrency conflict: ",
	"unauthorized: ",
	"schema integrity error: ",
	"not found: ",
}

func ferr(err error) FieldError {
	msg := err.Error()
	for _, p := range classPrefixes {
		if strings.HasPrefix(msg, p) {
			msg = strings.TrimPrefix(msg, p)
			break
		}
	}
	return FieldError{Code: failure.Code(err), Field: fieldOf(msg), Message: msg}
}

// fieldOf — имя свойства из сообщения вида "Feather.property: ..." или
// "Feather.property is required".
func fieldOf(msg string) string {
	head := msg
	if i := strings.IndexAny(head, ": "); i >= 0 {
		head = head[:i]
	}
	if i := strings.LastIndexByte(head, '.'); i >= 0 {
		return head[i+1:]
	}
	return ""
}

func writeError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(failure.Status(err), gin.H{"errors": []FieldError{ferr(err)}})
}
