package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"featherdb/internal/failure"
	"featherdb/internal/pg"
	"featherdb/internal/types"
)

// SettingsName — ключ записи каталога в "$settings".
const SettingsName = "catalog"

// Load читает каталог. Отсутствие записи — пустой каталог с etag "".
func Load(ctx context.Context, q pg.Querier) (*Catalog, error) {
	var (
		data []byte
		etag string
	)
	err := q.QueryRowContext(ctx,
		`select data::text, etag from "$settings" where name = $1`, SettingsName).Scan(&data, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return New(""), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return decode(etag, data)
}

// CurrentETag — только версия, без данных.
func CurrentETag(ctx context.Context, q pg.Querier) (string, error) {
	var etag string
	err := q.QueryRowContext(ctx,
		`select etag from "$settings" where name = $1`, SettingsName).Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return etag, err
}

// Save записывает каталог, если в базе всё ещё версия c.ETag(); иначе
// failure.Conflict. Возвращает снимок с новым etag.
func Save(ctx context.Context, q pg.Querier, c *Catalog) (*Catalog, error) {
	data, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	next := types.NewID()

	var res sql.Result
	if c.etag == "" {
		res, err = q.ExecContext(ctx,
			`insert into "$settings" (name, data, etag) values ($1, $2::text::jsonb, $3)
on conflict (name) do nothing`, SettingsName, string(data), next)
	} else {
		res, err = q.ExecContext(ctx,
			`update "$settings" set data = $2::text::jsonb, etag = $3 where name = $1 and etag = $4`,
			SettingsName, string(data), next, c.etag)
	}
	if err != nil {
		return nil, fmt.Errorf("save catalog: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, failure.Conflict.New("catalog version %q is stale, re-read and retry", c.etag)
	}
	out := c.copy()
	out.etag = next
	return out, nil
}
