package feather

import (
	"bytes"
	"encoding/json"
	"fmt"

	"featherdb/internal/failure"
)

// Type — закрытое объединение видов свойства: Primitive | ToOne | ToMany | ChildOf.
type Type interface {
	isType()
}

// Primitive — примитивный тип ("string", "number", ...).
type Primitive string

// ToOne — ссылка на запись другого feather; Properties ограничивает видимые
// свойства цели (составное подпредставление).
type ToOne struct {
	Relation   string
	Properties []string
}

// ToMany — массив дочерних записей; ParentOf — имя свойства childOf у ребёнка.
type ToMany struct {
	Relation string
	ParentOf string
}

// ChildOf — обратная ссылка ребёнка на родителя; ChildOf — имя свойства parentOf у родителя.
type ChildOf struct {
	Relation string
	ChildOf  string
}

func (Primitive) isType() {}
func (ToOne) isType()     {}
func (ToMany) isType()    {}
func (ChildOf) isType()   {}

type relationJSON struct {
	Relation   string   `json:"relation"`
	Properties []string `json:"properties,omitempty"`
	ParentOf   string   `json:"parentOf,omitempty"`
	ChildOf    string   `json:"childOf,omitempty"`
}

func marshalType(t Type) ([]byte, error) {
	switch v := t.(type) {
	case Primitive:
		return json.Marshal(string(v))
	case ToOne:
		return json.Marshal(relationJSON{Relation: v.Relation, Properties: v.Properties})
	case ToMany:
		return json.Marshal(relationJSON{Relation: v.Relation, ParentOf: v.ParentOf})
	case ChildOf:
		return json.Marshal(relationJSON{Relation: v.Relation, ChildOf: v.ChildOf})
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unsupported property type %T", t)
	}
}

func unmarshalType(raw json.RawMessage) (Type, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return Primitive(s), nil
	}
	var r relationJSON
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, failure.Validation.New("property type must be a string or relation object: %v", err)
	}
	if r.Relation == "" {
		return nil, failure.Integrity.New("relation has no target feather")
	}
	switch {
	case r.ChildOf != "" && r.ParentOf != "":
		return nil, failure.Integrity.New("relation %s: childOf and parentOf are mutually exclusive", r.Relation)
	case (r.ChildOf != "" || r.ParentOf != "") && len(r.Properties) > 0:
		return nil, failure.Integrity.New("relation %s: properties apply only to plain relations", r.Relation)
	case r.ChildOf != "":
		return ChildOf{Relation: r.Relation, ChildOf: r.ChildOf}, nil
	case r.ParentOf != "":
		return ToMany{Relation: r.Relation, ParentOf: r.ParentOf}, nil
	default:
		return ToOne{Relation: r.Relation, Properties: r.Properties}, nil
	}
}

type propertyAlias Property

type propertyJSON struct {
	*propertyAlias
	Type json.RawMessage `json:"type"`
}

// MarshalJSON кодирует Type как строку или объект связи.
func (p Property) MarshalJSON() ([]byte, error) {
	t, err := marshalType(p.Type)
	if err != nil {
		return nil, err
	}
	a := propertyAlias(p)
	return json.Marshal(propertyJSON{propertyAlias: &a, Type: t})
}

// UnmarshalJSON разбирает свойство.
func (p *Property) UnmarshalJSON(b []byte) error {
	aux := propertyJSON{propertyAlias: (*propertyAlias)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	t, err := unmarshalType(aux.Type)
	if err != nil {
		return err
	}
	p.Type = t
	return nil
}

// Properties — упорядоченный набор свойств (порядок важен только для отображения).
type Properties []*Property

// Get — свойство по имени или nil.
func (ps Properties) Get(name string) *Property {
	for _, p := range ps {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Names — имена в порядке объявления.
func (ps Properties) Names() []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return out
}

// Clone копирует набор вместе со свойствами.
func (ps Properties) Clone() Properties {
	if ps == nil {
		return nil
	}
	out := make(Properties, len(ps))
	for i, p := range ps {
		out[i] = p.Clone()
	}
	return out
}

// Set заменяет свойство с тем же именем или добавляет в конец.
func (ps *Properties) Set(p *Property) {
	for i, cur := range *ps {
		if cur.Name == p.Name {
			(*ps)[i] = p
			return
		}
	}
	*ps = append(*ps, p)
}

// Delete удаляет свойство по имени.
func (ps *Properties) Delete(name string) {
	out := (*ps)[:0]
	for _, p := range *ps {
		if p.Name != name {
			out = append(out, p)
		}
	}
	*ps = out
}

// MarshalJSON пишет объект в порядке объявления.
func (ps Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range ps {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON читает объект, сохраняя порядок ключей.
func (ps *Properties) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*ps = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return failure.Validation.New("properties must be an object")
	}
	out := Properties{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		p := &Property{}
		if err := json.Unmarshal(raw, p); err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
		p.Name = name
		out = append(out, p)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*ps = out
	return nil
}
