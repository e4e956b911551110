package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"featherdb/internal/engine"
	"featherdb/internal/failure"

	"github.com/gin-gonic/gin"
)

// Doer — движок, которому транспорт передаёт конверты.
type Doer interface {
	Do(ctx context.Context, req engine.Request) (any, error)
}

func respond(c *gin.Context, d Doer, req engine.Request, okStatus int) {
	req.Client = clientOf(c)
	out, err := d.Do(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(okStatus, out)
}

func body(c *gin.Context) (json.RawMessage, error) {
	b, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, failure.Validation.New("read body: %v", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	if !json.Valid(b) {
		return nil, failure.Validation.New("Invalid JSON")
	}
	return b, nil
}

// DoHandler принимает конверт целиком; клиент берётся только из middleware.
func DoHandler(d Doer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req engine.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, failure.Validation.New("Invalid JSON: %v", err))
			return
		}
		respond(c, d, req, http.StatusOK)
	}
}

// ===== Данные feather =====

func ListHandler(d Doer) gin.HandlerFunc {
	return func(c *gin.Context) {
		lp, err := parseListParams(c.Request.URL.Query())
		if err != nil {
			writeError(c, err)
			return
		}
		respond(c, d, engine.Request{
			Method:      engine.MethodGet,
			Name:        c.Param("feather"),
			Filter:      lp.Filter,
			ShowDeleted: lp.ShowDeleted,
			IsChild:     lp.IsChild,
		}, http.StatusOK)
	}
}

func GetOneHandler(d Doer) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := c.Request.URL.Query()
		respond(c, d, engine.Request{
			Method:      engine.MethodGet,
			Name:        c.Param("feather"),
			ID:          c.Param("id"),
			ShowDeleted: isTrue(q.Get("showDeleted")),
			IsChild:     isTrue(q.Get("isChild")),
		}, http.StatusOK)
	}
}

// bodyHandler — обработчик записи с телом запроса.
func bodyHandler(d Doer, method string, okStatus int) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := body(c)
		if err != nil {
			writeError(c, err)
			return
		}
		respond(c, d, engine.Request{
			Method: method,
			Name:   c.Param("feather"),
			ID:     c.Param("id"),
			Data:   data,
		}, okStatus)
	}
}

func CreateHandler(d Doer) gin.HandlerFunc {
	return bodyHandler(d, engine.MethodPost, http.StatusCreated)
}

// PatchHandler принимает JSON Patch (RFC 6902).
func PatchHandler(d Doer) gin.HandlerFunc { return bodyHandler(d, engine.MethodPatch, http.StatusOK) }

// UpsertHandler вставляет или приводит запись к присланному состоянию.
func UpsertHandler(d Doer) gin.HandlerFunc { return bodyHandler(d, engine.MethodPut, http.StatusOK) }

func DeleteHandler(d Doer) gin.HandlerFunc {
	return func(c *gin.Context) {
		respond(c, d, engine.Request{
			Method: engine.MethodDelete,
			Name:   c.Param("feather"),
			ID:     c.Param("id"),
		}, http.StatusOK)
	}
}

// ===== Служебные глаголы =====

// verbHandler: id из пути (если есть), data из тела.
func verbHandler(d Doer, method, verb string) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := body(c)
		if err != nil {
			writeError(c, err)
			return
		}
		respond(c, d, engine.Request{Method: method, Name: verb, ID: c.Param("id"), Data: data}, http.StatusOK)
	}
}

// IsAuthorizedHandler: GET /api/authorization?action=read&feather=Customer[&id=..][&user=..]
func IsAuthorizedHandler(d Doer) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := c.Request.URL.Query()
		data, err := json.Marshal(engine.AuthorizationQuery{
			User:    q.Get("user"),
			Action:  q.Get("action"),
			Feather: q.Get("feather"),
			ID:      q.Get("id"),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		respond(c, d, engine.Request{Method: engine.MethodGet, Name: engine.VerbIsAuthorized, Data: data}, http.StatusOK)
	}
}
