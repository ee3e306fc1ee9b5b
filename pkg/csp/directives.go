package csp

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Directive is a single parsed policy directive.
// A nil Values slice marks a flag directive such as upgrade-insecure-requests.
type Directive struct {
	Name   string
	Values []string
}

// IsFlag reports whether the directive was declared without values.
func (d Directive) IsFlag() bool {
	return d.Values == nil
}

// Directives is a parsed policy in source order.
type Directives struct {
	list []Directive
}

func (d *Directives) set(name string, values []string) {
	for i := range d.list {
		if d.list[i].Name == name {
			d.list[i].Values = values
			return
		}
	}
	d.list = append(d.list, Directive{Name: name, Values: values})
}

// Len returns the number of distinct directives.
func (d Directives) Len() int {
	return len(d.list)
}

// Has reports whether the directive is present.
func (d Directives) Has(name string) bool {
	_, ok := d.Lookup(name)
	return ok
}

// Lookup returns the named directive.
func (d Directives) Lookup(name string) (Directive, bool) {
	for _, dir := range d.list {
		if dir.Name == name {
			return dir, true
		}
	}
	return Directive{}, false
}

// Values returns a copy of the directive's values, or nil for flags and
// missing directives.
func (d Directives) Values(name string) []string {
	dir, ok := d.Lookup(name)
	if !ok || dir.IsFlag() {
		return nil
	}
	out := make([]string, len(dir.Values))
	copy(out, dir.Values)
	return out
}

// Names returns directive names in source order.
func (d Directives) Names() []string {
	names := make([]string, 0, len(d.list))
	for _, dir := range d.list {
		names = append(names, dir.Name)
	}
	return names
}

// String renders the directives back to policy text.
func (d Directives) String() string {
	var b strings.Builder
	for i, dir := range d.list {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(dir.Name)
		for _, v := range dir.Values {
			b.WriteByte(' ')
			b.WriteString(v)
		}
		b.WriteByte(';')
	}
	return b.String()
}

// MarshalJSON encodes the directives as an object in source order.
// Flag directives encode as true.
func (d Directives) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, dir := range d.list {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(dir.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		var value []byte
		if dir.IsFlag() {
			value = []byte("true")
		} else {
			value, err = json.Marshal(dir.Values)
			if err != nil {
				return nil, err
			}
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
