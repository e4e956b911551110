// Package auth — проверка прав на уровне класса (feather) и объекта (записи).
package auth

import (
	"context"
	"fmt"

	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/pg"
)

// Everyone — роль, в которой состоит любой пользователь.
const Everyone = "everyone"

// Kind — уровень записи в "$auth".
type Kind string

const (
	KindFeather Kind = "feather"
	KindObject  Kind = "object"
)

// Action — проверяемое право.
type Action string

const (
	Create Action = "canCreate"
	Read   Action = "canRead"
	Update Action = "canUpdate"
	Delete Action = "canDelete"
)

// ParseAction принимает canRead или короткую форму read.
func ParseAction(s string) (Action, error) {
	switch s {
	case "canCreate", "create":
		return Create, nil
	case "canRead", "read":
		return Read, nil
	case "canUpdate", "update":
		return Update, nil
	case "canDelete", "delete":
		return Delete, nil
	}
	return "", failure.Validation.New("unknown action %q", s)
}

func (a Action) column() string {
	switch a {
	case Create:
		return "can_create"
	case Read:
		return "can_read"
	case Update:
		return "can_update"
	default:
		return "can_delete"
	}
}

// roles — подзапрос ролей пользователя из параметра $n: он сам, everyone и
// роли из "$role_member".
func roles(n int) string {
	return fmt.Sprintf(`(select $%d::text union select 'everyone' union select m.role from "$role_member" m where m.member = $%d)`, n, n)
}

// IsAuthorized — проверка на уровне класса.
func IsAuthorized(ctx context.Context, q pg.Querier, user string, action Action, featherName string) (bool, error) {
	var ok bool
	err := q.QueryRowContext(ctx, fmt.Sprintf(
		`select exists (select 1 from "$auth" a where a.kind = 'feather' and a.target = $2 and a.%s and a.role in %s)`,
		action.column(), roles(1)), user, featherName).Scan(&ok)
	return ok, err
}

// IsAuthorizedObject — проверка для конкретной записи: запись объекта, если есть,
// иначе запись класса, к которому запись физически принадлежит.
func IsAuthorizedObject(ctx context.Context, q pg.Querier, user string, action Action, id string) (bool, error) {
	if action == Create {
		return false, failure.Validation.New("canCreate is checked per feather, not per object")
	}
	col := action.column()
	var (
		ok     bool
		exists bool
	)
	err := q.QueryRowContext(ctx, fmt.Sprintf(`select
  exists (select 1 from object o where o.id = $2),
  coalesce(
    (select bool_or(a.%[1]s) from "$auth" a
      where a.kind = 'object' and a.target = $2 and a.%[1]s is not null and a.role in %[2]s),
    (select bool_or(coalesce(a.%[1]s, false)) from "$auth" a
      where a.kind = 'feather'
        and a.target = (select "$feather_of"(o.tableoid) from object o where o.id = $2)
        and a.role in %[2]s),
    false)`, col, roles(1)), user, id).Scan(&exists, &ok)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, failure.NotFound.New("object %s", id)
	}
	return ok, nil
}

// ReadFilter — предикат права чтения для выборки: переопределение на уровне
// объекта, иначе право класса, к которому строка физически принадлежит (строки
// наследников проверяются по своему feather). alias — псевдоним строки с id,
// userParam — номер параметра с именем пользователя.
func ReadFilter(alias string, userParam int) string {
	return fmt.Sprintf(`coalesce(
    (select bool_or(a.can_read) from "$auth" a
      where a.kind = 'object' and a.target = %[1]s.id and a.can_read is not null and a.role in %[2]s),
    (select bool_or(coalesce(a.can_read, false)) from "$auth" a
      where a.kind = 'feather'
        and a.target = (select "$feather_of"(o.tableoid) from object o where o.id = %[1]s.id)
        and a.role in %[2]s),
    false)`, alias, roles(userParam))
}

// Put записывает права роли; пустой набор удаляет запись.
func Put(ctx context.Context, q pg.Querier, kind Kind, target, role string, a feather.Actions) error {
	if a.IsEmpty() {
		_, err := q.ExecContext(ctx,
			`delete from "$auth" where kind = $1 and target = $2 and role = $3`, string(kind), target, role)
		return err
	}
	_, err := q.ExecContext(ctx, `insert into "$auth" (kind, target, role, can_create, can_read, can_update, can_delete)
values ($1, $2, $3, $4, $5, $6, $7)
on conflict (kind, target, role) do update set
  can_create = excluded.can_create,
  can_read = excluded.can_read,
  can_update = excluded.can_update,
  can_delete = excluded.can_delete`,
		string(kind), target, role, a.CanCreate, a.CanRead, a.CanUpdate, a.CanDelete)
	return err
}

// Remove удаляет все записи прав цели (при удалении feather или записи).
func Remove(ctx context.Context, q pg.Querier, kind Kind, target string) error {
	_, err := q.ExecContext(ctx, `delete from "$auth" where kind = $1 and target = $2`, string(kind), target)
	return err
}

// List — права на цель по ролям.
func List(ctx context.Context, q pg.Querier, kind Kind, target string) ([]feather.Authorization, error) {
	rows, err := q.QueryContext(ctx, `select role, can_create, can_read, can_update, can_delete
from "$auth" where kind = $1 and target = $2 order by role`, string(kind), target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []feather.Authorization
	for rows.Next() {
		var (
			a          feather.Authorization
			c, r, u, d *bool
		)
		if err := rows.Scan(&a.Role, &c, &r, &u, &d); err != nil {
			return nil, err
		}
		a.Actions = feather.Actions{CanCreate: c, CanRead: r, CanUpdate: u, CanDelete: d}
		out = append(out, a)
	}
	return out, rows.Err()
}
