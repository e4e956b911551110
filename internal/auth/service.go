package auth

import (
	"context"
	"strings"

	"featherdb/internal/catalog"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/pg"
)

// Authorization — запрос saveAuthorization: цель задаётся либо feather, либо id.
type Authorization struct {
	Feather string          `json:"feather,omitempty"`
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role" validate:"required"`
	Actions feather.Actions `json:"actions"`
}

// Target возвращает уровень и цель записи прав.
func (a Authorization) Target() (Kind, string, error) {
	switch {
	case a.Feather != "" && a.ID != "":
		return "", "", failure.Validation.New("authorization takes either feather or id, not both")
	case a.Feather != "":
		return KindFeather, a.Feather, nil
	case a.ID != "":
		return KindObject, a.ID, nil
	}
	return "", "", failure.Validation.New("authorization requires feather or id")
}

// Save применяет права. Изменять права может только тот, у кого есть
// canUpdate на цель (кроме привилегированного вызова).
func Save(ctx context.Context, q pg.Querier, cat *catalog.Catalog, user string, privileged bool, a Authorization) error {
	if strings.TrimSpace(a.Role) == "" {
		return failure.Validation.New("role is required")
	}
	kind, target, err := a.Target()
	if err != nil {
		return err
	}
	var ok bool
	switch kind {
	case KindFeather:
		if !cat.Has(target) {
			return failure.NotFound.New("feather %s", target)
		}
		if ok, err = IsAuthorized(ctx, q, user, Update, target); err != nil {
			return err
		}
	case KindObject:
		if a.Actions.CanCreate != nil {
			return failure.Validation.New("canCreate cannot be set on an object")
		}
		if ok, err = IsAuthorizedObject(ctx, q, user, Update, target); err != nil {
			return err
		}
	}
	if !ok && !privileged {
		return failure.Unauthorized.New("%s may not change authorization of %s", user, target)
	}
	return Put(ctx, q, kind, target, a.Role, a.Actions)
}

// GrantRole добавляет (или убирает) пользователя в роль.
func GrantRole(ctx context.Context, q pg.Querier, role, member string, revoke bool) error {
	role, member = strings.TrimSpace(role), strings.TrimSpace(member)
	if role == "" || member == "" {
		return failure.Validation.New("role and member are required")
	}
	if role == Everyone {
		return failure.Validation.New("membership in %s is implicit", Everyone)
	}
	if revoke {
		_, err := q.ExecContext(ctx, `delete from "$role_member" where role = $1 and member = $2`, role, member)
		return err
	}
	_, err := q.ExecContext(ctx,
		`insert into "$role_member" (role, member) values ($1, $2) on conflict do nothing`, role, member)
	return err
}
