// Package feather — логическое описание классов объектов (feathers), которое компилятор
// превращает в таблицы и представления postgres.
package feather

import (
	"regexp"
	"strings"

	"featherdb/internal/failure"
)

// Root — корневой feather, от которого наследуются все остальные.
const Root = "Object"

var (
	featherNameRe  = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)
	propertyNameRe = regexp.MustCompile(`^[a-z][A-Za-z0-9]*$`)
)

// Feather описывает класс объектов.
type Feather struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Inherits       string          `json:"inherits,omitempty"`
	Module         string          `json:"module,omitempty"`
	IsChild        bool            `json:"isChild,omitempty"`
	IsSystem       bool            `json:"isSystem,omitempty"`
	Discriminator  string          `json:"discriminator,omitempty"`
	Properties     Properties      `json:"properties"`
	Authorizations []Authorization `json:"authorizations,omitempty"`
}

// Property — спецификация свойства.
type Property struct {
	Name          string      `json:"-"`
	Description   string      `json:"description,omitempty"`
	Type          Type        `json:"type"`
	Format        string      `json:"format,omitempty"`
	IsRequired    bool        `json:"isRequired,omitempty"`
	IsUnique      bool        `json:"isUnique,omitempty"`
	IsReadOnly    bool        `json:"isReadOnly,omitempty"`
	IsIndexed     bool        `json:"isIndexed,omitempty"`
	Autonumber    *Autonumber `json:"autonumber,omitempty"`
	Default       any         `json:"default,omitempty"`
	Precision     *int        `json:"precision,omitempty"`
	Scale         *int        `json:"scale,omitempty"`
	InheritedFrom string      `json:"inheritedFrom,omitempty"`
}

// Autonumber — генерация значений вида prefix + 000123 + suffix.
type Autonumber struct {
	Prefix   string `json:"prefix,omitempty"`
	Suffix   string `json:"suffix,omitempty"`
	Length   int    `json:"length,omitempty"`
	Sequence string `json:"sequence,omitempty"`
}

// Actions — набор прав; nil означает «не задано».
type Actions struct {
	CanCreate *bool `json:"canCreate"`
	CanRead   *bool `json:"canRead"`
	CanUpdate *bool `json:"canUpdate"`
	CanDelete *bool `json:"canDelete"`
}

// Authorization — права роли на feather.
type Authorization struct {
	Role    string  `json:"role"`
	Actions Actions `json:"actions"`
}

// FullAccess — все четыре права.
func FullAccess() Actions {
	t := true
	return Actions{CanCreate: &t, CanRead: &t, CanUpdate: &t, CanDelete: &t}
}

// IsEmpty — ни одно право не задано.
func (a Actions) IsEmpty() bool {
	return a.CanCreate == nil && a.CanRead == nil && a.CanUpdate == nil && a.CanDelete == nil
}

// Property возвращает свойство по имени или nil.
func (f *Feather) Property(name string) *Property {
	return f.Properties.Get(name)
}

// Clone — глубокая копия; каталог никогда не правится на месте.
func (f *Feather) Clone() *Feather {
	if f == nil {
		return nil
	}
	out := *f
	out.Properties = f.Properties.Clone()
	if f.Authorizations != nil {
		out.Authorizations = append([]Authorization(nil), f.Authorizations...)
	}
	return &out
}

// HasChildOf — есть ли у feather обратная ссылка на родителя.
func (f *Feather) HasChildOf() bool {
	for _, p := range f.Properties {
		if _, ok := p.Type.(ChildOf); ok {
			return true
		}
	}
	return false
}

// Clone копирует свойство.
func (p *Property) Clone() *Property {
	if p == nil {
		return nil
	}
	out := *p
	if t, ok := p.Type.(ToOne); ok && t.Properties != nil {
		t.Properties = append([]string(nil), t.Properties...)
		out.Type = t
	}
	if p.Autonumber != nil {
		a := *p.Autonumber
		out.Autonumber = &a
	}
	return &out
}

// Relation — целевой feather для свойств-связей, "" для примитивов.
func (p *Property) Relation() string {
	switch t := p.Type.(type) {
	case ToOne:
		return t.Relation
	case ToMany:
		return t.Relation
	case ChildOf:
		return t.Relation
	default:
		return ""
	}
}

// HasColumn — есть ли у свойства физическая колонка (to-many хранится у детей).
func (p *Property) HasColumn() bool {
	_, many := p.Type.(ToMany)
	return !many
}

// ValidateName проверяет имя feather (PascalCase).
func ValidateName(name string) error {
	if !featherNameRe.MatchString(name) {
		return failure.Validation.New("feather name %q must be PascalCase", name)
	}
	return nil
}

// ValidatePropertyName проверяет имя свойства (camelCase, без ведущего "_").
func ValidatePropertyName(name string) error {
	if !propertyNameRe.MatchString(name) {
		return failure.Validation.New("property name %q must be camelCase", name)
	}
	return nil
}

// Validate — структурная проверка спецификации до обращения к каталогу.
func (f *Feather) Validate() error {
	if err := ValidateName(f.Name); err != nil {
		return err
	}
	if f.Name != Root && f.Inherits == f.Name {
		return failure.Integrity.New("feather %s cannot inherit from itself", f.Name)
	}
	seen := map[string]struct{}{}
	for _, p := range f.Properties {
		if err := ValidatePropertyName(p.Name); err != nil {
			return err
		}
		key := strings.ToLower(p.Name)
		if _, dup := seen[key]; dup {
			return failure.Integrity.New("%s: duplicate property %q", f.Name, p.Name)
		}
		seen[key] = struct{}{}
		if p.Type == nil {
			return failure.Validation.New("%s.%s: type is required", f.Name, p.Name)
		}
		if p.Autonumber != nil {
			if prim, ok := p.Type.(Primitive); !ok || string(prim) != "string" {
				return failure.Integrity.New("%s.%s: autonumber requires type string", f.Name, p.Name)
			}
		}
	}
	return nil
}

// Parent — имя родителя с учётом значения по умолчанию.
func (f *Feather) Parent() string {
	if f.Name == Root {
		return ""
	}
	if f.Inherits == "" {
		return Root
	}
	return f.Inherits
}
