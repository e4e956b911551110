package crud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"featherdb/internal/auth"
	"featherdb/internal/failure"
	"featherdb/internal/types"

	"github.com/wI2L/jsondiff"
	"go.uber.org/zap"
)

// Upsert обновляет существующую запись присланными свойствами (верхний уровень
// заменяется целиком, включая списки дочерних) или создаёт новую.
func (e *Executor) Upsert(ctx context.Context, s *Scope, name, id string, data Record) (jsondiff.Patch, error) {
	if data == nil {
		data = Record{}
	}
	if id == "" {
		id, _ = data["id"].(string)
	}
	if id == "" {
		return e.Insert(ctx, s, name, data)
	}

	concrete, pk, deleted, err := locate(ctx, s.Q, name, id)
	switch {
	case failure.NotFound.Has(err):
		data["id"] = id
		return e.Insert(ctx, s, name, data)
	case err != nil:
		return nil, err
	case deleted:
		return nil, failure.NotFound.New("%s %s is deleted", name, id)
	}

	f, err := s.Catalog.Resolve(concrete)
	if err != nil {
		return nil, err
	}
	raw, err := fetch(ctx, s.Q, f.Name, "t._pk = $1", pk)
	if err != nil {
		return nil, err
	}
	orig := e.normalize(s.Catalog, f, raw)
	intended := make(Record, len(orig))
	for k, v := range orig {
		intended[k] = v
	}
	for k, v := range data {
		intended[k] = v
	}
	patch, err := jsondiff.Compare(orig, intended)
	if err != nil {
		return nil, failure.Validation.New("%v", err)
	}
	ops, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		ops = []byte("[]")
	}
	return e.Update(ctx, s, name, id, ops)
}

// Lock — отметка о том, что запись редактирует сессия.
type Lock struct {
	Username  string `json:"username"`
	Created   string `json:"created"`
	NodeID    string `json:"nodeId"`
	SessionID string `json:"sessionId"`
}

// Lock ставит блокировку на запись. Повторная блокировка той же сессией
// возвращает существующую, блокировка другой сессии — Conflict.
func (e *Executor) Lock(ctx context.Context, s *Scope, id string) (*Lock, error) {
	held, err := currentLock(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if err := e.lockable(ctx, s, id); err != nil {
		return nil, err
	}
	if held != nil {
		if held.SessionID == s.SessionID && held.Username == s.User {
			return held, nil
		}
		return nil, failure.Conflict.New("%s is locked by %s", id, held.Username)
	}

	l := &Lock{Username: s.User, Created: types.FormatTime(e.now()), NodeID: e.nodeID, SessionID: s.SessionID}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	if _, err := s.Q.ExecContext(ctx, `update object set lock = $2::text::jsonb where id = $1`, id, string(data)); err != nil {
		return nil, err
	}
	e.log.Debug("locked", zap.String("id", id), zap.String("session", s.SessionID))
	return l, nil
}

// Unlock снимает блокировку. Чужую может снять только привилегированный вызов.
func (e *Executor) Unlock(ctx context.Context, s *Scope, id string) error {
	held, err := currentLock(ctx, s, id)
	if err != nil || held == nil {
		return err
	}
	if err := e.lockable(ctx, s, id); err != nil {
		return err
	}
	if (held.SessionID != s.SessionID || held.Username != s.User) && !s.Privileged {
		return failure.Conflict.New("%s is locked by %s", id, held.Username)
	}
	_, err = s.Q.ExecContext(ctx, `update object set lock = null where id = $1`, id)
	return err
}

func (e *Executor) lockable(ctx context.Context, s *Scope, id string) error {
	if s.Privileged {
		return nil
	}
	ok, err := auth.IsAuthorizedObject(ctx, s.Q, s.User, auth.Update, id)
	if err != nil {
		return err
	}
	if !ok {
		return failure.Unauthorized.New("%s may not lock %s", s.User, id)
	}
	return nil
}

// currentLock читает блокировку под "for update": параллельные Lock одной
// записи выстраиваются в очередь.
func currentLock(ctx context.Context, s *Scope, id string) (*Lock, error) {
	var (
		data    sql.NullString
		deleted bool
	)
	err := s.Q.QueryRowContext(ctx, `select lock::text, is_deleted from object where id = $1 for update`, id).Scan(&data, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return nil, failure.NotFound.New("object %s", id)
	}
	if err != nil {
		return nil, err
	}
	if !data.Valid {
		return nil, nil
	}
	var l Lock
	if err := json.Unmarshal([]byte(data.String), &l); err != nil {
		return nil, err
	}
	return &l, nil
}
