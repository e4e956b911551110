// Package engine принимает конверт запроса, открывает транзакцию на запрос и
// передаёт его исполнителю CRUD или служебному глаголу.
package engine

import (
	"context"
	"database/sql"
	"time"

	"featherdb/internal/catalog"
	"featherdb/internal/crud"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/metrics"
	"featherdb/internal/pg"
	"featherdb/internal/schema"
	"featherdb/internal/types"

	"go.uber.org/zap"
)

// Publisher получает записи журнала после фиксации транзакции.
type Publisher interface {
	Publish(ctx context.Context, entries []crud.Entry) error
}

// Options — настройки движка из конфигурации.
type Options struct {
	Precision     int
	Scale         int
	BackfillBatch int
	NodeID        string
	CatalogTTL    time.Duration
	Publisher     Publisher
}

// Engine — точка входа для транспорта и CLI.
type Engine struct {
	db       *sql.DB
	log      *zap.Logger
	cache    *catalog.Cache
	compiler *schema.Compiler
	exec     *crud.Executor
	pub      Publisher
}

// New собирает движок над пулом db.
func New(db *sql.DB, log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	reg := types.NewRegistry(opts.Precision, opts.Scale)
	return &Engine{
		db:       db,
		log:      log.Named("engine"),
		cache:    catalog.NewCache(opts.CatalogTTL),
		compiler: schema.NewCompiler(reg, log, opts.BackfillBatch),
		exec:     crud.NewExecutor(reg, log, opts.NodeID),
		pub:      opts.Publisher,
	}
}

// Apply компилирует описания (например, файлы feathers при старте) в одной транзакции.
func (e *Engine) Apply(ctx context.Context, specs []*feather.Feather) (*schema.Result, error) {
	var res *schema.Result
	err := pg.InTx(ctx, e.db, func(tx *sql.Tx) error {
		cat, err := e.cache.Snapshot(ctx, tx)
		if err != nil {
			return err
		}
		res, err = e.compiler.Save(ctx, tx, cat, specs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Plan выполняет компиляцию и откатывает её: результат показывает DDL,
// который выполнил бы Apply.
func (e *Engine) Plan(ctx context.Context, specs []*feather.Feather) (*schema.Result, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cat, err := catalog.Load(ctx, tx)
	if err != nil {
		return nil, err
	}
	return e.compiler.Save(ctx, tx, cat, specs)
}

// Do выполняет запрос в одной транзакции: commit при успехе, rollback при
// любой ошибке. Записи журнала рассылаются только после commit.
func (e *Engine) Do(ctx context.Context, req Request) (any, error) {
	start := time.Now()
	out, err := e.do(ctx, &req)

	result := "ok"
	if err != nil {
		result = failure.Code(err)
	}
	metrics.Requests.WithLabelValues(req.Method, req.Name, result).Inc()
	metrics.RequestSeconds.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	return out, err
}

func (e *Engine) do(ctx context.Context, req *Request) (any, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var (
		out     any
		entries []crud.Entry
	)
	err := pg.InTx(ctx, e.db, func(tx *sql.Tx) error {
		cat, err := e.cache.Snapshot(ctx, tx)
		if err != nil {
			return err
		}
		s := &crud.Scope{
			Q:          tx,
			Catalog:    cat,
			User:       req.Client.User,
			Privileged: req.Client.Privileged,
			SessionID:  req.Client.SessionID,
		}
		out, err = e.dispatch(ctx, tx, s, *req)
		entries = s.Entries()
		return err
	})
	if err != nil {
		if failure.Code(err) == failure.CodeInternal {
			e.log.Error("request failed",
				zap.String("method", req.Method), zap.String("name", req.Name), zap.String("id", req.ID), zap.Error(err))
		}
		return nil, err
	}
	if e.pub != nil && len(entries) > 0 {
		if err := e.pub.Publish(ctx, entries); err != nil {
			e.log.Warn("change fan-out failed", zap.Int("entries", len(entries)), zap.Error(err))
		}
	}
	return out, nil
}

func (e *Engine) dispatch(ctx context.Context, tx *sql.Tx, s *crud.Scope, req Request) (any, error) {
	if v, ok := verbs[req.Name]; ok {
		if !v.allows(req.Method) {
			return nil, failure.Validation.New("%s does not accept %s", req.Name, req.Method)
		}
		return v.run(e, ctx, tx, s, req)
	}

	switch req.Method {
	case MethodGet:
		return e.exec.Select(ctx, s, req.Name, crud.Query{
			ID:          req.ID,
			Filter:      req.Filter,
			ShowDeleted: req.ShowDeleted,
			IsChild:     req.IsChild,
		})
	case MethodPost:
		var data crud.Record
		if err := decode(req, &data); err != nil {
			return nil, err
		}
		return e.exec.Insert(ctx, s, req.Name, data)
	case MethodPatch:
		if req.ID == "" {
			return nil, failure.Validation.New("%s: id is required", req.Name)
		}
		if len(req.Data) == 0 {
			return nil, failure.Validation.New("%s: patch is required", req.Name)
		}
		return e.exec.Update(ctx, s, req.Name, req.ID, req.Data)
	case MethodPut:
		var data crud.Record
		if err := decode(req, &data); err != nil {
			return nil, err
		}
		return e.exec.Upsert(ctx, s, req.Name, req.ID, data)
	case MethodDelete:
		if req.ID == "" {
			return nil, failure.Validation.New("%s: id is required", req.Name)
		}
		if err := e.exec.Delete(ctx, s, req.Name, req.ID); err != nil {
			return nil, err
		}
		return true, nil
	}
	return nil, failure.Validation.New("unsupported method %s", req.Method)
}
