// Package schema компилирует описания feathers в таблицы postgres и
// поддерживает плоские представления (views) в актуальном состоянии.
package schema

import (
	"featherdb/internal/catalog"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/pg"
	"featherdb/internal/types"
)

// Column — физическая колонка свойства.
type Column struct {
	Name string // имя колонки без кавычек
	Type string // тип postgres
	FK   bool   // ссылка на _pk другой записи
}

// ColumnOf возвращает колонку свойства; ok=false для to-many (колонки нет).
func ColumnOf(reg *types.Registry, p *feather.Property) (col Column, ok bool, err error) {
	switch t := p.Type.(type) {
	case feather.Primitive:
		typ, err := reg.Column(string(t), p.Format, p.Precision, p.Scale)
		if err != nil {
			return Column{}, false, failure.Integrity.New("property %s: %v", p.Name, err)
		}
		return Column{Name: pg.Column(p.Name), Type: typ}, true, nil
	case feather.ToOne:
		return Column{Name: pg.FKColumn(p.Name, t.Relation), Type: "bigint", FK: true}, true, nil
	case feather.ChildOf:
		return Column{Name: pg.FKColumn(p.Name, t.Relation), Type: "bigint", FK: true}, true, nil
	case feather.ToMany:
		return Column{}, false, nil
	default:
		return Column{}, false, failure.Integrity.New("property %s: missing type", p.Name)
	}
}

// ChildLink — колонка у ребёнка, по которой собирается to-many свойство родителя.
func ChildLink(cat *catalog.Catalog, p *feather.Property) (child *feather.Feather, fk string, err error) {
	many, ok := p.Type.(feather.ToMany)
	if !ok {
		return nil, "", failure.Integrity.New("property %s is not a to-many relation", p.Name)
	}
	child, err = cat.Resolve(many.Relation)
	if err != nil {
		return nil, "", err
	}
	back := child.Property(many.ParentOf)
	if back == nil {
		return nil, "", failure.Integrity.New("%s: child %s has no property %s",
			p.Name, many.Relation, many.ParentOf)
	}
	link, ok := back.Type.(feather.ChildOf)
	if !ok {
		return nil, "", failure.Integrity.New("%s.%s is not a childOf relation", many.Relation, many.ParentOf)
	}
	return child, pg.FKColumn(back.Name, link.Relation), nil
}
