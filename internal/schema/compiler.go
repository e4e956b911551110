package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"featherdb/internal/auth"
	"featherdb/internal/catalog"
	"featherdb/internal/failure"
	"featherdb/internal/feather"
	"featherdb/internal/metrics"
	"featherdb/internal/pg"
	"featherdb/internal/types"

	"go.uber.org/zap"
)

// Compiler приводит физическую схему в соответствие с описаниями feathers.
// Все шаги выполняются через Querier вызывающего (обычно — транзакцию запроса).
type Compiler struct {
	reg           *types.Registry
	log           *zap.Logger
	backfillBatch int
	now           func() time.Time
}

// NewCompiler — backfillBatch ограничивает число строк, заполняемых генератором за один запрос.
func NewCompiler(reg *types.Registry, log *zap.Logger, backfillBatch int) *Compiler {
	if backfillBatch <= 0 {
		backfillBatch = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Compiler{reg: reg, log: log.Named("schema"), backfillBatch: backfillBatch, now: time.Now}
}

// Plan — результат планирования одного описания. Чистые данные, без обращения к базе.
type Plan struct {
	Feather  *feather.Feather
	IsNew    bool
	Changed  bool
	Touched  []string // другие feathers, изменённые в каталоге (обратные связи)
	DDL      []string
	Backfill []Backfill
	Grants   []feather.Authorization
	Catalog  *catalog.Catalog
}

func (p *Plan) touch(name string) {
	if !slices.Contains(p.Touched, name) {
		p.Touched = append(p.Touched, name)
	}
}

// Backfill — заполнение обязательного свойства у существующих строк.
type Backfill struct {
	Table   string
	Column  Column
	Type    string
	Format  string
	Default any
}

// Result — итог saveFeather.
type Result struct {
	Catalog *catalog.Catalog
	Changed []string
	DDL     []string
}

// Save компилирует описания по порядку зависимостей, сохраняет каталог
// (оптимистично) и пересобирает затронутые представления одним пакетом.
// Ошибка любого описания прерывает весь пакет.
func (c *Compiler) Save(ctx context.Context, q pg.Querier, cat *catalog.Catalog, specs []*feather.Feather) (*Result, error) {
	batch := map[string]bool{}
	for _, s := range specs {
		batch[s.Name] = true
	}

	type grant struct {
		feather string
		isNew   bool
		list    []feather.Authorization
	}
	var (
		cur    = cat
		res    = &Result{}
		seeds  = map[string]bool{}
		grants []grant
	)
	for _, spec := range feather.SortByDependency(specs) {
		plan, err := c.Plan(cur, spec, batch)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.Name, err)
		}
		if plan.Changed {
			if err := c.exec(ctx, q, plan.DDL); err != nil {
				return nil, fmt.Errorf("%s: %w", spec.Name, err)
			}
			for _, b := range plan.Backfill {
				if err := c.backfill(ctx, q, b); err != nil {
					return nil, fmt.Errorf("%s: backfill %s: %w", spec.Name, b.Column.Name, err)
				}
			}
			seeds[spec.Name] = true
			for _, t := range plan.Touched {
				seeds[t] = true
			}
			res.Changed = append(res.Changed, spec.Name)
			res.DDL = append(res.DDL, plan.DDL...)
			c.log.Info("feather compiled",
				zap.String("feather", spec.Name), zap.Bool("new", plan.IsNew), zap.Int("ddl", len(plan.DDL)))
		}
		cur = plan.Catalog
		grants = append(grants, grant{feather: spec.Name, isNew: plan.IsNew, list: plan.Grants})
	}

	if !cur.Same(cat) {
		saved, err := catalog.Save(ctx, q, cur)
		if err != nil {
			return nil, err
		}
		cur = saved
	}

	if len(seeds) > 0 {
		names := make([]string, 0, len(seeds))
		for n := range seeds {
			names = append(names, n)
		}
		sort.Strings(names)
		stmts, err := Propagate(cur, names...)
		if err != nil {
			return nil, err
		}
		flat := Flatten(stmts)
		if err := c.exec(ctx, q, flat); err != nil {
			return nil, err
		}
		res.DDL = append(res.DDL, flat...)
		c.log.Debug("views propagated", zap.Strings("seeds", names), zap.Int("statements", len(flat)))
	}

	for _, g := range grants {
		if g.isNew && len(g.list) == 0 {
			if err := auth.Put(ctx, q, auth.KindFeather, g.feather, auth.Everyone, feather.FullAccess()); err != nil {
				return nil, err
			}
			continue
		}
		for _, a := range g.list {
			if err := auth.Put(ctx, q, auth.KindFeather, g.feather, a.Role, a.Actions); err != nil {
				return nil, err
			}
		}
	}

	res.Catalog = cur
	return res, nil
}

func (c *Compiler) exec(ctx context.Context, q pg.Querier, stmts []string) error {
	if len(stmts) == 0 {
		return nil
	}
	if err := pg.ExecBatch(ctx, q, stmts); err != nil {
		return failure.FromPg(err)
	}
	metrics.DDLStatements.Add(float64(len(stmts)))
	return nil
}

// Plan вычисляет DDL и новый каталог для одного описания.
func (c *Compiler) Plan(cat *catalog.Catalog, in *feather.Feather, batch map[string]bool) (*Plan, error) {
	spec := in.Clone()
	plan := &Plan{Grants: spec.Authorizations}
	spec.Authorizations = nil
	spec.IsSystem = false

	// унаследованные свойства не сохраняются
	own := make(feather.Properties, 0, len(spec.Properties))
	for _, p := range spec.Properties {
		if p.InheritedFrom == "" {
			own = append(own, p)
		}
	}
	spec.Properties = own
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Name == feather.Root {
		return nil, failure.Integrity.New("%s is a system feather", spec.Name)
	}

	var old *feather.Feather
	if cat.Has(spec.Name) {
		old, _ = cat.Get(spec.Name)
		if old.IsSystem {
			return nil, failure.Integrity.New("%s is a system feather", spec.Name)
		}
		if old.Parent() != spec.Parent() {
			return nil, failure.Integrity.New("cannot change inherits of %s from %s to %s", spec.Name, old.Parent(), spec.Parent())
		}
	} else {
		plan.IsNew = true
		for _, n := range cat.Names() {
			if pg.Table(n) == pg.Table(spec.Name) {
				return nil, failure.Integrity.New("%s: table name %s is taken by %s", spec.Name, pg.Table(n), n)
			}
		}
	}

	parent := spec.Parent()
	if !cat.Has(parent) {
		return nil, failure.Integrity.New("parent feather %s not found", parent)
	}
	if cat.IsA(parent, spec.Name) {
		return nil, failure.Integrity.New("inheritance cycle: %s inherits from %s", parent, spec.Name)
	}
	base, err := cat.Resolve(parent)
	if err != nil {
		return nil, err
	}
	for _, p := range spec.Properties {
		if bp := base.Property(p.Name); bp != nil {
			from := bp.InheritedFrom
			if from == "" {
				from = parent
			}
			return nil, failure.Integrity.New("%s.%s overrides a property inherited from %s", spec.Name, p.Name, from)
		}
	}

	// to-many, созданные как обратная сторона childOf, живут, пока жив childOf
	if old != nil {
		for _, p := range old.Properties {
			many, ok := p.Type.(feather.ToMany)
			if !ok || spec.Property(p.Name) != nil {
				continue
			}
			if hasBackLink(cat, spec, many, p.Name) {
				spec.Properties = append(spec.Properties, p.Clone())
			}
		}
	}

	if spec.Discriminator != "" {
		dp := spec.Property(spec.Discriminator)
		if dp == nil {
			dp = base.Property(spec.Discriminator)
		}
		if dp == nil {
			return nil, failure.Integrity.New("%s: discriminator %s is not a property", spec.Name, spec.Discriminator)
		}
		if t, ok := dp.Type.(feather.Primitive); !ok || t != types.String {
			return nil, failure.Integrity.New("%s: discriminator %s must be a string", spec.Name, spec.Discriminator)
		}
	}

	next := cat
	table := pg.Table(spec.Name)
	tbl := pg.Ident(table)
	var create, drops, alters []string

	if plan.IsNew {
		create = append(create,
			fmt.Sprintf("create table %s (primary key (_pk), unique (id)) inherits (%s)", tbl, pg.Ident(pg.Table(parent))),
			fmt.Sprintf(`insert into "$feather" (name, table_name) values (%s, %s)`, pg.Literal(spec.Name), pg.Literal(table)),
		)
	}

	// удаление колонок
	dropViews := false
	if old != nil {
		for _, op := range old.Properties {
			if spec.Property(op.Name) != nil {
				continue
			}
			if touched := dropInverse(&next, spec, op); touched != "" {
				plan.touch(touched)
			}
			col, has, err := ColumnOf(c.reg, op)
			if err != nil || !has {
				continue
			}
			if isComposite(op) {
				drops = append(drops, "drop view if exists "+pg.Ident(pg.CompositeView(spec.Name, op.Name))+" cascade")
			}
			alters = append(alters, fmt.Sprintf("alter table %s drop column if exists %s", tbl, pg.Ident(col.Name)))
			dropViews = true
		}
	}
	if dropViews {
		drops = append(drops, dependentViews(cat, spec.Name)...)
	}

	// добавление и изменение колонок
	for _, p := range spec.Properties {
		if err := c.checkProperty(next, batch, spec, p); err != nil {
			return nil, err
		}
		// смена childOf (или его типа) снимает прежнюю обратную связь у родителя
		if old != nil {
			if op := old.Property(p.Name); op != nil && !sameChildOf(op.Type, p.Type) {
				if touched := dropInverse(&next, spec, op); touched != "" {
					plan.touch(touched)
				}
			}
		}
		if ch, ok := p.Type.(feather.ChildOf); ok {
			touched, err := ensureParentOf(&next, spec, p, ch)
			if err != nil {
				return nil, err
			}
			if touched != "" {
				plan.touch(touched)
			}
		}
		col, has, err := ColumnOf(c.reg, p)
		if err != nil {
			return nil, err
		}
		if !has {
			continue
		}
		var (
			op     *feather.Property
			oldCol Column
			oldHas bool
		)
		if old != nil {
			if op = old.Property(p.Name); op != nil {
				oldCol, oldHas, _ = ColumnOf(c.reg, op)
			}
		}
		if oldHas && oldCol != col {
			return nil, failure.Integrity.New("cannot change storage of %s.%s from %s %s to %s %s",
				spec.Name, p.Name, oldCol.Name, oldCol.Type, col.Name, col.Type)
		}
		added := !oldHas
		cname := pg.Ident(col.Name)
		if added {
			alters = append(alters, fmt.Sprintf("alter table %s add column %s %s", tbl, cname, col.Type))
		}

		wasUnique := oldHas && op.IsUnique
		switch {
		case p.IsUnique && !wasUnique:
			alters = append(alters, fmt.Sprintf("alter table %s add constraint %s unique (%s)",
				tbl, pg.Ident(pg.UniqueConstraint(spec.Name, p.Name)), cname))
		case !p.IsUnique && wasUnique:
			alters = append(alters, fmt.Sprintf("alter table %s drop constraint if exists %s",
				tbl, pg.Ident(pg.UniqueConstraint(spec.Name, p.Name))))
		}
		wasIndexed := oldHas && op.IsIndexed
		switch {
		case p.IsIndexed && !wasIndexed:
			alters = append(alters, fmt.Sprintf("create index if not exists %s on %s (%s)",
				pg.Ident(pg.Index(spec.Name, p.Name)), tbl, cname))
		case !p.IsIndexed && wasIndexed:
			alters = append(alters, "drop index if exists "+pg.Ident(pg.Index(spec.Name, p.Name)))
		}

		switch {
		case p.Autonumber != nil && (added || op.Autonumber == nil):
			seq := SequenceOf(spec.Name, p)
			alters = append(alters,
				"create sequence if not exists "+pg.Ident(seq),
				fmt.Sprintf("update %s set %s = %s where %s is null", tbl, cname, AutonumberExpr(p.Autonumber, seq), cname))
		case p.IsRequired && !plan.IsNew && !col.FK && (added || !op.IsRequired):
			prim := string(p.Type.(feather.Primitive))
			def := p.Default
			if def == nil {
				def = c.reg.FormatDefault(prim, p.Format)
			}
			if def != nil {
				plan.Backfill = append(plan.Backfill, Backfill{Table: table, Column: col, Type: prim, Format: p.Format, Default: def})
			}
		}
	}

	spec.IsChild = spec.HasChildOf()
	plan.DDL = append(append(create, drops...), alters...)
	plan.Changed = plan.IsNew || len(plan.DDL) > 0 || len(plan.Touched) > 0 || !sameFeather(old, spec)
	plan.Feather = spec
	plan.Catalog = next.With(spec)
	return plan, nil
}

func (c *Compiler) checkProperty(cat *catalog.Catalog, batch map[string]bool, spec *feather.Feather, p *feather.Property) error {
	switch t := p.Type.(type) {
	case feather.Primitive:
		if !c.reg.IsType(string(t)) {
			return failure.Integrity.New("%s.%s: unknown type %q", spec.Name, p.Name, string(t))
		}
		if _, err := c.reg.Lookup(string(t), p.Format); err != nil {
			return failure.Integrity.New("%s.%s: %v", spec.Name, p.Name, err)
		}
		if p.Default != nil && !types.IsGenerator(p.Default) {
			if _, err := c.reg.Coerce(string(t), p.Format, p.Default); err != nil {
				return failure.Integrity.New("%s.%s: invalid default: %v", spec.Name, p.Name, err)
			}
		}
	case feather.ToOne:
		if t.Relation != spec.Name && !cat.Has(t.Relation) && !batch[t.Relation] {
			return failure.Integrity.New("%s.%s: relation target %s not found", spec.Name, p.Name, t.Relation)
		}
		if len(t.Properties) > 0 && cat.Has(t.Relation) {
			target, err := cat.Resolve(t.Relation)
			if err != nil {
				return err
			}
			for _, name := range t.Properties {
				tp := target.Property(name)
				if tp == nil {
					return failure.Integrity.New("%s.%s: %s has no property %s", spec.Name, p.Name, t.Relation, name)
				}
				if _, ok := tp.Type.(feather.Primitive); !ok {
					return failure.Integrity.New("%s.%s: composite property %s must be primitive", spec.Name, p.Name, name)
				}
			}
		}
	case feather.ToMany:
		if batch[t.Relation] && !cat.Has(t.Relation) {
			// ребёнок в том же пакете ещё не скомпилирован; связь проверит propagation
			return nil
		}
		if !hasBackLink(cat, spec, t, p.Name) {
			return failure.Integrity.New("%s.%s: parentOf %s.%s has no matching childOf", spec.Name, p.Name, t.Relation, t.ParentOf)
		}
	case feather.ChildOf:
		if t.ChildOf == "" {
			return failure.Integrity.New("%s.%s: childOf needs the parent property name", spec.Name, p.Name)
		}
		if t.Relation != spec.Name && !cat.Has(t.Relation) {
			return failure.Integrity.New("%s.%s: parent feather %s not found", spec.Name, p.Name, t.Relation)
		}
	default:
		return failure.Integrity.New("%s.%s: missing type", spec.Name, p.Name)
	}
	return nil
}

// hasBackLink — есть ли у ребёнка childOf, указывающий на parent.prop.
func hasBackLink(cat *catalog.Catalog, parent *feather.Feather, many feather.ToMany, prop string) bool {
	var back *feather.Property
	if many.Relation == parent.Name {
		back = parent.Property(many.ParentOf)
	} else {
		child, err := cat.Resolve(many.Relation)
		if err != nil {
			return false
		}
		back = child.Property(many.ParentOf)
	}
	if back == nil {
		return false
	}
	link, ok := back.Type.(feather.ChildOf)
	return ok && link.Relation == parent.Name && link.ChildOf == prop
}

// ensureParentOf создаёт у родителя to-many свойство, обратное childOf.
// Возвращает имя изменённого родителя ("" — изменений нет или родитель — сам spec).
func ensureParentOf(next **catalog.Catalog, spec *feather.Feather, p *feather.Property, ch feather.ChildOf) (string, error) {
	var parent *feather.Feather
	if ch.Relation == spec.Name {
		parent = spec
	} else {
		pf, err := (*next).Get(ch.Relation)
		if err != nil {
			return "", failure.Integrity.New("%s.%s: parent feather %s not found", spec.Name, p.Name, ch.Relation)
		}
		parent = pf
	}
	if existing := parent.Property(ch.ChildOf); existing != nil {
		if m, ok := existing.Type.(feather.ToMany); ok && m.Relation == spec.Name && m.ParentOf == p.Name {
			return "", nil
		}
		return "", failure.Integrity.New("%s.%s already exists; cannot add it as the inverse of %s.%s",
			parent.Name, ch.ChildOf, spec.Name, p.Name)
	}
	if parent != spec {
		if resolved, err := (*next).Resolve(parent.Name); err == nil && resolved.Property(ch.ChildOf) != nil {
			return "", failure.Integrity.New("%s.%s is inherited; cannot add it as the inverse of %s.%s",
				parent.Name, ch.ChildOf, spec.Name, p.Name)
		}
	}
	parent.Properties = append(parent.Properties, &feather.Property{
		Name: ch.ChildOf,
		Type: feather.ToMany{Relation: spec.Name, ParentOf: p.Name},
	})
	if parent == spec {
		return "", nil
	}
	*next = (*next).With(parent)
	return parent.Name, nil
}

// dropInverse убирает у родителя to-many, созданный как обратная сторона
// childOf-свойства op. Возвращает имя изменённого родителя.
func dropInverse(next **catalog.Catalog, spec *feather.Feather, op *feather.Property) string {
	ch, ok := op.Type.(feather.ChildOf)
	if !ok || ch.Relation == spec.Name {
		return ""
	}
	pf, err := (*next).Get(ch.Relation)
	if err != nil {
		return ""
	}
	inv := pf.Property(ch.ChildOf)
	if inv == nil {
		return ""
	}
	if m, ok := inv.Type.(feather.ToMany); !ok || m.Relation != spec.Name || m.ParentOf != op.Name {
		return ""
	}
	pf.Properties.Delete(ch.ChildOf)
	pf.IsChild = pf.HasChildOf()
	*next = (*next).With(pf)
	return pf.Name
}

func sameChildOf(a, b feather.Type) bool {
	x, ok := a.(feather.ChildOf)
	if !ok {
		return true
	}
	y, ok := b.(feather.ChildOf)
	return ok && x.Relation == y.Relation && x.ChildOf == y.ChildOf
}

// dependentViews — представления, которые читают колонки таблицы name: её
// собственное, наследников и составные подпредставления, нацеленные на них.
func dependentViews(cat *catalog.Catalog, name string) []string {
	var out []string
	for _, n := range append([]string{name}, cat.Descendants(name)...) {
		out = append(out, "drop view if exists "+pg.Ident(pg.View(n))+" cascade")
	}
	for _, n := range cat.Names() {
		f, err := cat.Get(n)
		if err != nil {
			continue
		}
		for _, p := range f.Properties {
			if t, ok := p.Type.(feather.ToOne); ok && len(t.Properties) > 0 && cat.IsA(t.Relation, name) {
				out = append(out, "drop view if exists "+pg.Ident(pg.CompositeView(n, p.Name))+" cascade")
			}
		}
	}
	return out
}

// SequenceOf — последовательность автонумерации свойства.
func SequenceOf(featherName string, p *feather.Property) string {
	if p.Autonumber != nil && p.Autonumber.Sequence != "" {
		return p.Autonumber.Sequence
	}
	return pg.Sequence(featherName, p.Name)
}

// AutonumberExpr — prefix || 000123 || suffix.
func AutonumberExpr(a *feather.Autonumber, seq string) string {
	n := fmt.Sprintf("nextval(%s)::text", pg.Literal(pg.Ident(seq)))
	if a.Length > 0 {
		n = fmt.Sprintf("lpad(%s, %d, '0')", n, a.Length)
	}
	return fmt.Sprintf("%s || %s || %s", pg.Literal(a.Prefix), n, pg.Literal(a.Suffix))
}

func sameFeather(a, b *feather.Feather) bool {
	if a == nil || b == nil {
		return a == b
	}
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ja, jb)
}

// backfill заполняет пустые значения: литерал — одним update, генератор —
// пачками по backfillBatch строк со значением на каждую строку.
func (c *Compiler) backfill(ctx context.Context, q pg.Querier, b Backfill) error {
	tbl := pg.Ident(b.Table)
	cname := pg.Ident(b.Column.Name)

	if !types.IsGenerator(b.Default) {
		v, err := c.reg.Encode(b.Type, b.Format, b.Default)
		if err != nil || v == nil {
			return err
		}
		_, err = q.ExecContext(ctx, fmt.Sprintf("update %s set %s = %s where %s is null",
			tbl, cname, types.Placeholder(b.Column.Type, 1), cname), v)
		return failure.FromPg(err)
	}

	update := fmt.Sprintf(`update %s t set %s = %s
from (select (e->>0)::bigint as pk, e->>1 as val from jsonb_array_elements($1::text::jsonb) e) v
where t._pk = v.pk`, tbl, cname, types.Cast(b.Column.Type, "v.val"))
	for {
		rows, err := q.QueryContext(ctx, fmt.Sprintf("select _pk from %s where %s is null order by _pk limit %d",
			tbl, cname, c.backfillBatch))
		if err != nil {
			return err
		}
		var pks []int64
		for rows.Next() {
			var pk int64
			if err := rows.Scan(&pk); err != nil {
				rows.Close()
				return err
			}
			pks = append(pks, pk)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(pks) == 0 {
			return nil
		}

		now := c.now()
		pairs := make([][2]string, 0, len(pks))
		for _, pk := range pks {
			v, err := c.reg.Encode(b.Type, b.Format, types.DefaultValue(b.Default, now))
			if err != nil {
				return err
			}
			if v == nil {
				return nil
			}
			pairs = append(pairs, [2]string{strconv.FormatInt(pk, 10), v.(string)})
		}
		data, err := json.Marshal(pairs)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, update, string(data)); err != nil {
			return failure.FromPg(err)
		}
		c.log.Debug("backfill batch", zap.String("table", b.Table), zap.String("column", b.Column.Name), zap.Int("rows", len(pks)))
		if len(pks) < c.backfillBatch {
			return nil
		}
	}
}
