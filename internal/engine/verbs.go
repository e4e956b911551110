package engine

import (
	"context"
	"database/sql"
	"slices"

	"featherdb/internal/auth"
	"featherdb/internal/catalog"
	"featherdb/internal/crud"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
)

// Служебные глаголы
const (
	VerbSaveFeather       = "saveFeather"
	VerbDeleteFeather     = "deleteFeather"
	VerbGetFeather        = "getFeather"
	VerbGetCatalog        = "getCatalog"
	VerbSaveAuthorization = "saveAuthorization"
	VerbIsAuthorized      = "isAuthorized"
	VerbGrantRole         = "grantRole"
	VerbLock              = "lock"
	VerbUnlock            = "unlock"
)

type verb struct {
	methods []string
	run     func(e *Engine, ctx context.Context, tx *sql.Tx, s *crud.Scope, req Request) (any, error)
}

func (v verb) allows(method string) bool { return slices.Contains(v.methods, method) }

var verbs = map[string]verb{
	VerbSaveFeather:       {[]string{MethodPost, MethodPut}, (*Engine).saveFeather},
	VerbDeleteFeather:     {[]string{MethodPost, MethodDelete}, (*Engine).deleteFeather},
	VerbGetFeather:        {[]string{MethodGet, MethodPost}, (*Engine).getFeather},
	VerbGetCatalog:        {[]string{MethodGet}, (*Engine).getCatalog},
	VerbSaveAuthorization: {[]string{MethodPost, MethodPut}, (*Engine).saveAuthorization},
	VerbIsAuthorized:      {[]string{MethodGet, MethodPost}, (*Engine).isAuthorized},
	VerbGrantRole:         {[]string{MethodPost, MethodDelete}, (*Engine).grantRole},
	VerbLock:              {[]string{MethodPost}, (*Engine).lock},
	VerbUnlock:            {[]string{MethodPost, MethodDelete}, (*Engine).unlock},
}

// SaveResult — ответ saveFeather и deleteFeather.
type SaveResult struct {
	ETag    string   `json:"etag"`
	Changed []string `json:"changed"`
	DDL     int      `json:"ddl"`
}

// Схема меняется только привилегированным вызовом.
func requirePrivileged(s *crud.Scope, what string) error {
	if !s.Privileged {
		return failure.Unauthorized.New("%s may not %s", s.User, what)
	}
	return nil
}

func (e *Engine) saveFeather(ctx context.Context, tx *sql.Tx, s *crud.Scope, req Request) (any, error) {
	if err := requirePrivileged(s, "change feathers"); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, failure.Validation.New("%s: data is required", req.Name)
	}
	specs, err := feather.Parse(req.Data, true)
	if err != nil {
		return nil, err
	}
	res, err := e.compiler.Save(ctx, tx, s.Catalog, specs)
	if err != nil {
		return nil, err
	}
	return SaveResult{ETag: res.Catalog.ETag(), Changed: nonNil(res.Changed), DDL: len(res.DDL)}, nil
}

func (e *Engine) deleteFeather(ctx context.Context, tx *sql.Tx, s *crud.Scope, req Request) (any, error) {
	if err := requirePrivileged(s, "delete feathers"); err != nil {
		return nil, err
	}
	var names []string
	switch {
	case req.ID != "":
		names = []string{req.ID}
	default:
		if err := decode(req, &names); err != nil {
			return nil, err
		}
	}
	if len(names) == 0 {
		return nil, failure.Validation.New("%s: no feathers named", req.Name)
	}
	res, err := e.compiler.Delete(ctx, tx, s.Catalog, names)
	if err != nil {
		return nil, err
	}
	return SaveResult{ETag: res.Catalog.ETag(), Changed: nonNil(res.Changed), DDL: len(res.DDL)}, nil
}

// getFeather отдаёт разрешённое описание (с унаследованными свойствами).
func (e *Engine) getFeather(ctx context.Context, tx *sql.Tx, s *crud.Scope, req Request) (any, error) {
	name := req.ID
	if name == "" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decode(req, &body); err != nil {
			return nil, err
		}
		name = body.Name
	}
	return s.Catalog.Resolve(name)
}

// CatalogView — ответ getCatalog.
type CatalogView struct {
	ETag     string           `json:"etag"`
	Feathers *catalog.Catalog `json:"feathers"`
}

func (e *Engine) getCatalog(ctx context.Context, tx *sql.Tx, s *crud.Scope, req Request) (any, error) {
	return CatalogView{ETag: s.Catalog.ETag(), Feathers: s.Catalog}, nil
}

func (e *Engine) saveAuthorization(ctx context.Context, tx *sql.Tx, s *crud.Scope, req Request) (any, error) {
	var a auth.Authorization
	if err := decode(req, &a); err != nil {
		return nil, err
	}
	if err := auth.Save(ctx, tx, s.Catalog, s.User, s.Privileged, a); err != nil {
		return nil, err
	}
	return true, nil
}

// AuthorizationQuery — вопрос isAuthorized; user по умолчанию — вызывающий.
type AuthorizationQuery struct {
	User    string `json:"user,omitempty"`
	Action  string `json:"action"`
	Feather string `json:"feather,omitempty"`
	ID      string `json:"id,omitempty"`
}

func (e *Engine) isAuthorized(ctx context.Context, tx *sql.Tx, s *crud.Scope, req Request) (any, error) {
	var q AuthorizationQuery
	if err := decode(req, &q); err != nil {
		return nil, err
	}
	user := s.User
	if q.User != "" && q.User != s.User {
		if err := requirePrivileged(s, "inspect authorization of "+q.User); err != nil {
			return nil, err
		}
		user = q.User
	}
	action, err := auth.ParseAction(q.Action)
	if err != nil {
		return nil, err
	}
	kind, target, err := auth.Authorization{Feather: q.Feather, ID: q.ID, Role: user}.Target()
	if err != nil {
		return nil, err
	}
	if kind == auth.KindFeather {
		if !s.Catalog.Has(target) {
			return nil, failure.NotFound.New("feather %s", target)
		}
		return auth.IsAuthorized(ctx, tx, user, action, target)
	}
	return auth.IsAuthorizedObject(ctx, tx, user, action, target)
}

// RoleGrant — тело grantRole; метод DELETE отзывает роль.
type RoleGrant struct {
	Role   string `json:"role"`
	Member string `json:"member"`
}

func (e *Engine) grantRole(ctx context.Context, tx *sql.Tx, s *crud.Scope, req Request) (any, error) {
	if err := requirePrivileged(s, "grant roles"); err != nil {
		return nil, err
	}
	var g RoleGrant
	if err := decode(req, &g); err != nil {
		return nil, err
	}
	if err := auth.GrantRole(ctx, tx, g.Role, g.Member, req.Method == MethodDelete); err != nil {
		return nil, err
	}
	return true, nil
}

func (e *Engine) lock(ctx context.Context, tx *sql.Tx, s *crud.Scope, req Request) (any, error) {
	if req.ID == "" {
		return nil, failure.Validation.New("%s: id is required", req.Name)
	}
	return e.exec.Lock(ctx, s, req.ID)
}

func (e *Engine) unlock(ctx context.Context, tx *sql.Tx, s *crud.Scope, req Request) (any, error) {
	if req.ID == "" {
		return nil, failure.Validation.New("%s: id is required", req.Name)
	}
	if err := e.exec.Unlock(ctx, s, req.ID); err != nil {
		return nil, err
	}
	return true, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
