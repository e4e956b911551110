package schema

import (
	"fmt"
	"sort"
	"strings"

	"featherdb/internal/catalog"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/pg"
)

// Statement — оператор пакета DDL с уровнем: 0 — удаление представлений,
// дальше — создание в порядке зависимостей.
type Statement struct {
	Level int
	SQL   string
}

// Flatten упорядочивает операторы по уровню (стабильно) для одного ExecBatch.
func Flatten(stmts []Statement) []string {
	sorted := append([]Statement(nil), stmts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })
	out := make([]string, len(sorted))
	for i, s := range sorted {
		out[i] = s.SQL
	}
	return out
}

// Propagate пересобирает представления seeds и всех, кого это затрагивает:
// наследников, а также (транзитивно) feathers, чьи представления читают
// представления затронутых через to-one или to-many. Результат — чистый список
// операторов; выполняет его вызывающий одним пакетом.
func Propagate(cat *catalog.Catalog, seeds ...string) ([]Statement, error) {
	p := &propagation{
		cat:      cat,
		resolved: map[string]*feather.Feather{},
		state:    map[string]int{},
		level:    map[string]int{},
		fallback: map[string]bool{},
	}
	for _, n := range cat.Names() {
		f, err := cat.Resolve(n)
		if err != nil {
			return nil, err
		}
		p.resolved[n] = f
	}
	p.affected = p.affectedSet(seeds)

	names := make([]string, 0, len(p.affected))
	for n := range p.affected {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []Statement
	for _, n := range names {
		for _, prop := range p.resolved[n].Properties {
			if isComposite(prop) && prop.InheritedFrom == "" {
				out = append(out, Statement{0, "drop view if exists " + pg.Ident(pg.CompositeView(n, prop.Name)) + " cascade"})
			}
		}
		out = append(out, Statement{0, "drop view if exists " + pg.Ident(pg.View(n)) + " cascade"})
	}
	for _, n := range names {
		p.visit(n)
	}
	for _, n := range p.order {
		f := p.resolved[n]
		for _, prop := range f.Properties {
			if !isComposite(prop) || prop.InheritedFrom != "" {
				continue
			}
			sql, err := p.compositeSQL(n, prop)
			if err != nil {
				return nil, err
			}
			out = append(out, Statement{1, sql})
		}
		sql, err := p.viewSQL(n)
		if err != nil {
			return nil, err
		}
		out = append(out, Statement{p.level[n], sql})
	}
	return out, nil
}

const (
	visiting = 1
	visited  = 2
)

type propagation struct {
	cat      *catalog.Catalog
	resolved map[string]*feather.Feather
	affected map[string]bool
	state    map[string]int
	level    map[string]int
	fallback map[string]bool // "Feather.property" — ссылка замыкает цикл, читаем таблицу
	order    []string
}

func isComposite(p *feather.Property) bool {
	t, ok := p.Type.(feather.ToOne)
	return ok && len(t.Properties) > 0
}

func (p *propagation) affectedSet(seeds []string) map[string]bool {
	aff := map[string]bool{}
	for _, s := range seeds {
		if _, ok := p.resolved[s]; !ok {
			continue
		}
		aff[s] = true
		for _, d := range p.cat.Descendants(s) {
			aff[d] = true
		}
	}
	names := p.cat.Names()
	for grown := true; grown; {
		grown = false
		for _, n := range names {
			if aff[n] {
				continue
			}
			for _, prop := range p.resolved[n].Properties {
				if _, back := prop.Type.(feather.ChildOf); back {
					continue
				}
				if r := prop.Relation(); r != "" && aff[r] {
					aff[n] = true
					grown = true
					break
				}
			}
		}
	}
	return aff
}

// visit — обход в глубину; ссылка на представление, которое ещё строится,
// помечается как fallback и в уровень не входит.
func (p *propagation) visit(name string) int {
	if p.state[name] == visited {
		return p.level[name]
	}
	p.state[name] = visiting
	lvl := 1
	for _, prop := range p.resolved[name].Properties {
		var target string
		switch t := prop.Type.(type) {
		case feather.ToOne:
			if len(t.Properties) > 0 {
				lvl = max(lvl, 2)
				continue
			}
			target = t.Relation
		case feather.ToMany:
			target = t.Relation
		default:
			continue
		}
		if !p.affected[target] {
			continue
		}
		if target == name || p.state[target] == visiting {
			p.fallback[name+"."+prop.Name] = true
			continue
		}
		lvl = max(lvl, p.visit(target)+1)
	}
	p.state[name] = visited
	p.level[name] = lvl
	p.order = append(p.order, name)
	return lvl
}

func (p *propagation) viewSQL(name string) (string, error) {
	f := p.resolved[name]
	cols := []string{"t._pk"}
	for _, prop := range f.Properties {
		alias := pg.Ident(prop.Name)
		switch t := prop.Type.(type) {
		case feather.Primitive:
			if prop.Name == f.Discriminator {
				cols = append(cols, pg.Ident(pg.FeatherOfFunc)+"(t.tableoid) as "+alias)
				continue
			}
			cols = append(cols, "t."+pg.Ident(pg.Column(prop.Name))+" as "+alias)
		case feather.ToOne:
			fk := "t." + pg.Ident(pg.FKColumn(prop.Name, t.Relation))
			switch {
			case p.fallback[name+"."+prop.Name]:
				cols = append(cols, fmt.Sprintf("(select jsonb_build_object('id', r.id) from %s r where r._pk = %s) as %s",
					pg.Ident(pg.Table(t.Relation)), fk, alias))
			case len(t.Properties) > 0:
				owner := prop.InheritedFrom
				if owner == "" {
					owner = name
				}
				cols = append(cols, fmt.Sprintf("(select to_jsonb(r) from %s r where r._pk = %s) as %s",
					pg.Ident(pg.CompositeView(owner, prop.Name)), fk, alias))
			default:
				cols = append(cols, fmt.Sprintf("(select to_jsonb(r) from %s r where r._pk = %s) as %s",
					pg.Ident(pg.View(t.Relation)), fk, alias))
			}
		case feather.ToMany:
			_, fk, err := ChildLink(p.cat, prop)
			if err != nil {
				return "", err
			}
			if p.fallback[name+"."+prop.Name] {
				cols = append(cols, fmt.Sprintf(
					"coalesce((select jsonb_agg(jsonb_build_object('id', c.id) order by c._pk) from %s c where c.%s = t._pk and not c.is_deleted), '[]'::jsonb) as %s",
					pg.Ident(pg.Table(t.Relation)), pg.Ident(fk), alias))
				continue
			}
			cols = append(cols, fmt.Sprintf(
				"coalesce((select jsonb_agg(to_jsonb(c) order by c._pk) from %s c where c.%s = t._pk and not c.\"isDeleted\"), '[]'::jsonb) as %s",
				pg.Ident(pg.View(t.Relation)), pg.Ident(fk), alias))
		case feather.ChildOf:
			// обратная ссылка наружу не отдаётся, только служебная колонка для родителя
			fk := pg.Ident(pg.FKColumn(prop.Name, t.Relation))
			cols = append(cols, "t."+fk+" as "+fk)
		}
	}
	return fmt.Sprintf("create view %s as select\n  %s\nfrom %s t",
		pg.Ident(pg.View(name)), strings.Join(cols, ",\n  "), pg.Ident(pg.Table(name))), nil
}

// compositeSQL — подпредставление составной связи читает таблицу цели напрямую,
// поэтому зависимостей между представлениями не создаёт.
func (p *propagation) compositeSQL(owner string, prop *feather.Property) (string, error) {
	t := prop.Type.(feather.ToOne)
	target, ok := p.resolved[t.Relation]
	if !ok {
		return "", failure.Integrity.New("%s.%s: relation target %s not found", owner, prop.Name, t.Relation)
	}
	cols := []string{"r._pk", `r.id as "id"`}
	for _, name := range t.Properties {
		if name == "id" {
			continue
		}
		tp := target.Property(name)
		if tp == nil {
			return "", failure.Integrity.New("%s.%s: %s has no property %s", owner, prop.Name, t.Relation, name)
		}
		if _, prim := tp.Type.(feather.Primitive); !prim {
			return "", failure.Integrity.New("%s.%s: composite property %s must be primitive", owner, prop.Name, name)
		}
		if name == target.Discriminator {
			cols = append(cols, pg.Ident(pg.FeatherOfFunc)+"(r.tableoid) as "+pg.Ident(name))
			continue
		}
		cols = append(cols, "r."+pg.Ident(pg.Column(name))+" as "+pg.Ident(name))
	}
	return fmt.Sprintf("create view %s as select %s from %s r",
		pg.Ident(pg.CompositeView(owner, prop.Name)), strings.Join(cols, ", "), pg.Ident(pg.Table(t.Relation))), nil
}
