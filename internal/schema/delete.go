package schema

import (
	"context"
	"fmt"
	"sort"

	"featherdb/internal/auth"
	"featherdb/internal/catalog"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/pg"

	"go.uber.org/zap"
)

// Delete удаляет feathers: представления, таблицу, запись каталога и права класса.
// Отказ, если на feather ссылаются или от него наследуют (кроме удаляемых вместе).
// Обратные to-many у родителей удаляются автоматически.
func (c *Compiler) Delete(ctx context.Context, q pg.Querier, cat *catalog.Catalog, names []string) (*Result, error) {
	drop := map[string]bool{}
	for _, n := range names {
		drop[n] = true
	}
	next := cat
	seeds := map[string]bool{}
	var ddl []string

	// наследники раньше родителей
	ordered := append([]string(nil), names...)
	depth := func(n string) int {
		chain, _ := cat.Ancestors(n)
		return len(chain)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return depth(ordered[i]) > depth(ordered[j]) })

	for _, name := range ordered {
		f, err := cat.Get(name)
		if err != nil {
			return nil, err
		}
		if f.IsSystem {
			return nil, failure.Integrity.New("%s is a system feather", name)
		}
		for _, d := range cat.Inheritors(name) {
			if !drop[d] {
				return nil, failure.Integrity.New("%s is inherited by %s", name, d)
			}
		}
		for _, r := range cat.Referencers(name) {
			if drop[r] {
				continue
			}
			rf, err := next.Get(r)
			if err != nil {
				return nil, err
			}
			resolved, err := cat.Resolve(r)
			if err != nil {
				return nil, err
			}
			for _, p := range resolved.Properties {
				if p.Relation() != name {
					continue
				}
				if _, many := p.Type.(feather.ToMany); !many || p.InheritedFrom != "" {
					return nil, failure.Integrity.New("%s is referenced by %s.%s", name, r, p.Name)
				}
				rf.Properties.Delete(p.Name)
			}
			next = next.With(rf)
			seeds[r] = true
		}

		for _, p := range f.Properties {
			if isComposite(p) {
				ddl = append(ddl, "drop view if exists "+pg.Ident(pg.CompositeView(name, p.Name))+" cascade")
			}
		}
		ddl = append(ddl,
			"drop view if exists "+pg.Ident(pg.View(name))+" cascade",
			"drop table if exists "+pg.Ident(pg.Table(name))+" cascade",
			fmt.Sprintf(`delete from "$feather" where name = %s`, pg.Literal(name)),
		)
		next = next.Without(name)
	}

	if err := c.exec(ctx, q, ddl); err != nil {
		return nil, err
	}
	for _, name := range ordered {
		if err := auth.Remove(ctx, q, auth.KindFeather, name); err != nil {
			return nil, err
		}
	}
	saved, err := catalog.Save(ctx, q, next)
	if err != nil {
		return nil, err
	}

	res := &Result{Catalog: saved, Changed: ordered, DDL: ddl}
	var live []string
	for n := range seeds {
		if saved.Has(n) {
			live = append(live, n)
		}
	}
	sort.Strings(live)
	if len(live) > 0 {
		stmts, err := Propagate(saved, live...)
		if err != nil {
			return nil, err
		}
		flat := Flatten(stmts)
		if err := c.exec(ctx, q, flat); err != nil {
			return nil, err
		}
		res.DDL = append(res.DDL, flat...)
	}
	c.log.Info("feathers deleted", zap.Strings("feathers", ordered))
	return res, nil
}
