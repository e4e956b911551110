package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"featherdb/internal/crud"
	"featherdb/internal/failure"

	"github.com/go-playground/validator/v10"
)

// Методы запроса
const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPatch  = "PATCH"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
)

// Client — кто выполняет запрос.
type Client struct {
	User       string `json:"user" validate:"required"`
	Privileged bool   `json:"privileged,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

// Request — конверт запроса: Name — feather (CRUD по методу) или служебный глагол.
type Request struct {
	Method      string          `json:"method" validate:"required,oneof=GET POST PATCH PUT DELETE"`
	Name        string          `json:"name" validate:"required"`
	ID          string          `json:"id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Filter      *crud.Filter    `json:"filter,omitempty"`
	ShowDeleted bool            `json:"showDeleted,omitempty"`
	IsChild     bool            `json:"isChild,omitempty"`
	Client      Client          `json:"client"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate проверяет конверт до открытия транзакции.
func (r *Request) Validate() error {
	r.Method = strings.ToUpper(r.Method)
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return failure.Validation.Wrap(err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), describe(fe)))
	}
	return failure.Validation.New("%s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	}
	return "failed " + fe.Tag()
}

// decode разбирает data запроса; пустое data — ошибка, если оно обязательно.
func decode(r Request, v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return failure.Validation.New("%s: data is required", r.Name)
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return failure.Validation.New("%s: invalid data: %v", r.Name, err)
	}
	return nil
}
