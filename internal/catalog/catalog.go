// Package catalog хранит описания всех feathers одной версионированной записью и
// разворачивает наследование (Resolve).
package catalog

import (
	"bytes"
	"encoding/json"
	"sort"

	"featherdb/internal/failure"
	"featherdb/internal/feather"

	"github.com/patrickmn/go-cache"
)

// Catalog — неизменяемый снимок каталога. Изменения (With/Without) дают новую
// копию, которая помнит etag исходной версии для оптимистичной записи.
type Catalog struct {
	etag     string
	feathers map[string]*feather.Feather
	memo     *cache.Cache // только у снимков, прочитанных из базы
}

// New собирает каталог из списка feathers.
func New(etag string, list ...*feather.Feather) *Catalog {
	c := &Catalog{etag: etag, feathers: make(map[string]*feather.Feather, len(list))}
	for _, f := range list {
		c.feathers[f.Name] = f.Clone()
	}
	return c
}

// ETag — версия, из которой получен снимок ("" — ещё не сохранялся).
func (c *Catalog) ETag() string { return c.etag }

// Has — есть ли feather.
func (c *Catalog) Has(name string) bool {
	_, ok := c.feathers[name]
	return ok
}

// Get — собственное (без унаследованных свойств) описание feather, копия.
func (c *Catalog) Get(name string) (*feather.Feather, error) {
	f, ok := c.feathers[name]
	if !ok {
		return nil, failure.NotFound.New("feather %s", name)
	}
	return f.Clone(), nil
}

// Names — имена в алфавитном порядке.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.feathers))
	for k := range c.feathers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// With возвращает копию каталога с заменённым (или добавленным) feather.
func (c *Catalog) With(f *feather.Feather) *Catalog {
	out := c.copy()
	out.feathers[f.Name] = f.Clone()
	return out
}

// Without возвращает копию каталога без feather.
func (c *Catalog) Without(name string) *Catalog {
	out := c.copy()
	delete(out.feathers, name)
	return out
}

func (c *Catalog) copy() *Catalog {
	out := &Catalog{etag: c.etag, feathers: make(map[string]*feather.Feather, len(c.feathers))}
	for k, v := range c.feathers {
		out.feathers[k] = v
	}
	return out
}

// Same — совпадает ли содержимое двух каталогов (etag не сравнивается).
func (c *Catalog) Same(other *Catalog) bool {
	a, err1 := json.Marshal(c)
	b, err2 := json.Marshal(other)
	return err1 == nil && err2 == nil && bytes.Equal(a, b)
}

// MarshalJSON — объект name -> feather (ключи отсортированы encoding/json).
func (c *Catalog) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.feathers)
}

func decode(etag string, data []byte) (*Catalog, error) {
	m := map[string]*feather.Feather{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	c := &Catalog{etag: etag, feathers: make(map[string]*feather.Feather, len(m))}
	for k, f := range m {
		if f == nil {
			continue
		}
		f.Name = k
		c.feathers[k] = f
	}
	return c, nil
}

// Ancestors — цепочка от корня до name включительно.
func (c *Catalog) Ancestors(name string) ([]string, error) {
	var chain []string
	seen := map[string]struct{}{}
	for cur := name; cur != ""; {
		f, ok := c.feathers[cur]
		if !ok {
			if cur == name {
				return nil, failure.NotFound.New("feather %s", name)
			}
			return nil, failure.Integrity.New("feather %s inherits from unknown %s", name, cur)
		}
		if _, loop := seen[cur]; loop {
			return nil, failure.Integrity.New("inheritance cycle at %s", cur)
		}
		seen[cur] = struct{}{}
		chain = append(chain, cur)
		cur = f.Parent()
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// IsA — name совпадает с ancestor или наследует от него.
func (c *Catalog) IsA(name, ancestor string) bool {
	chain, err := c.Ancestors(name)
	if err != nil {
		return false
	}
	for _, a := range chain {
		if a == ancestor {
			return true
		}
	}
	return false
}

// Inheritors — прямые наследники.
func (c *Catalog) Inheritors(name string) []string {
	var out []string
	for _, n := range c.Names() {
		if n != name && c.feathers[n].Parent() == name {
			out = append(out, n)
		}
	}
	return out
}

// Descendants — все наследники (транзитивно), в порядке обхода в ширину.
func (c *Catalog) Descendants(name string) []string {
	var out []string
	queue := c.Inheritors(name)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		queue = append(queue, c.Inheritors(n)...)
	}
	return out
}

// Referencers — feathers, чьи свойства (с учётом унаследованных) ссылаются на name.
func (c *Catalog) Referencers(name string) []string {
	var out []string
	for _, n := range c.Names() {
		r, err := c.Resolve(n)
		if err != nil {
			continue
		}
		for _, p := range r.Properties {
			if p.Relation() == name {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// Resolve возвращает feather с унаследованными свойствами: сначала свойства предков
// от корня (с пометкой inheritedFrom), затем собственные. Собственное свойство
// с именем унаследованного скрывает его.
func (c *Catalog) Resolve(name string) (*feather.Feather, error) {
	key := c.etag + "/" + name
	if c.memo != nil {
		if v, ok := c.memo.Get(key); ok {
			return v.(*feather.Feather).Clone(), nil
		}
	}
	chain, err := c.Ancestors(name)
	if err != nil {
		return nil, err
	}
	own := c.feathers[name]
	out := own.Clone()
	props := make(feather.Properties, 0, len(own.Properties))
	for _, anc := range chain[:len(chain)-1] {
		af := c.feathers[anc]
		for _, p := range af.Properties {
			if own.Property(p.Name) != nil || props.Get(p.Name) != nil {
				continue
			}
			cp := p.Clone()
			if cp.InheritedFrom == "" {
				cp.InheritedFrom = anc
			}
			props = append(props, cp)
		}
	}
	for _, p := range own.Properties {
		cp := p.Clone()
		cp.InheritedFrom = ""
		props = append(props, cp)
	}
	out.Properties = props
	out.IsChild = out.HasChildOf()
	// дискриминатор — ближайший объявленный
	for i := len(chain) - 1; i >= 0 && out.Discriminator == ""; i-- {
		out.Discriminator = c.feathers[chain[i]].Discriminator
	}

	if c.memo != nil {
		c.memo.SetDefault(key, out.Clone())
	}
	return out, nil
}
