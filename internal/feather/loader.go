package feather

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDir рекурсивно читает *.yaml, *.yml и *.json из root.
// Файл содержит один feather или список. Порядок результата — по зависимостям
// (см. SortByDependency).
func LoadDir(root string) ([]*Feather, error) {
	var all []*Feather
	seen := map[string]string{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		parsed, err := Parse(data, ext == ".json")
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for _, f := range parsed {
			if f == nil || f.Name == "" {
				return fmt.Errorf("empty feather name in %s", path)
			}
			if prev, dup := seen[f.Name]; dup {
				return fmt.Errorf("duplicate feather %q (files: %s, %s)", f.Name, prev, path)
			}
			seen[f.Name] = path
			all = append(all, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return SortByDependency(all), nil
}

// Parse разбирает один файл: объект feather или массив объектов.
func Parse(data []byte, isJSON bool) ([]*Feather, error) {
	if !isJSON {
		var err error
		if data, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '[' {
		var list []*Feather
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	f := &Feather{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return []*Feather{f}, nil
}

// yamlToJSON переводит документ в JSON, сохраняя порядок ключей
// (порядок свойств видим пользователю).
func yamlToJSON(data []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	if err := writeNode(&buf, &doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeNode(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return writeNode(buf, n.Content[0])
	case yaml.AliasNode:
		return writeNode(buf, n.Alias)
	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(n.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, _ := json.Marshal(n.Content[i].Value)
			buf.Write(k)
			buf.WriteByte(':')
			if err := writeNode(buf, n.Content[i+1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, c := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeNode(buf, c); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case yaml.ScalarNode:
		return writeScalar(buf, n)
	default:
		return fmt.Errorf("line %d: unsupported yaml node", n.Line)
	}
	return nil
}

func writeScalar(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.Tag {
	case "!!null":
		buf.WriteString("null")
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return err
		}
		buf.WriteString(strconv.FormatBool(b))
	case "!!int", "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return err
		}
		out, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		buf.Write(out)
	default:
		out, _ := json.Marshal(n.Value)
		buf.Write(out)
	}
	return nil
}

// SortByDependency упорядочивает feathers так, чтобы родитель (inherits) и цели
// связей шли раньше зависимых. Циклы по связям допустимы: порядок внутри цикла
// остаётся исходным.
func SortByDependency(list []*Feather) []*Feather {
	byName := make(map[string]*Feather, len(list))
	for _, f := range list {
		byName[f.Name] = f
	}

	out := make([]*Feather, 0, len(list))
	state := map[string]int{} // 1 — в обходе, 2 — готов
	var visit func(f *Feather)
	visit = func(f *Feather) {
		if state[f.Name] != 0 {
			return
		}
		state[f.Name] = 1
		for _, dep := range dependencies(f) {
			if d, ok := byName[dep]; ok && dep != f.Name {
				visit(d)
			}
		}
		state[f.Name] = 2
		out = append(out, f)
	}

	for _, f := range list {
		visit(byName[f.Name])
	}
	return out
}

// dependencies — родитель, затем цели связей (to-many зависит от ребёнка
// только через его childOf, поэтому не учитывается).
func dependencies(f *Feather) []string {
	var deps []string
	if p := f.Parent(); p != "" {
		deps = append(deps, p)
	}
	for _, p := range f.Properties {
		switch t := p.Type.(type) {
		case ToOne:
			deps = append(deps, t.Relation)
		case ChildOf:
			deps = append(deps, t.Relation)
		}
	}
	return deps
}
