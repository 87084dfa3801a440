package model

import "strings"

// Property is a single key/value pair as written in the journal line.
type Property struct {
	Key   string
	Value string
}

// Properties is an ordered property bag.
// Keys keep the spelling they were first written with; lookup ignores case.
// Setting an existing key replaces its value in place.
type Properties struct {
	items []Property
	index map[string]int
}

// Set adds or replaces a property.
func (p *Properties) Set(key, value string) {
	lower := strings.ToLower(key)
	if i, ok := p.index[lower]; ok {
		p.items[i].Value = value
		return
	}
	if p.index == nil {
		p.index = make(map[string]int, 16)
	}
	p.index[lower] = len(p.items)
	p.items = append(p.items, Property{Key: key, Value: value})
}

// Get looks up a property by name, ignoring case.
func (p *Properties) Get(key string) (string, bool) {
	i, ok := p.index[strings.ToLower(key)]
	if !ok {
		return "", false
	}
	return p.items[i].Value, true
}

// Has reports whether the property is present.
func (p *Properties) Has(key string) bool {
	_, ok := p.index[strings.ToLower(key)]
	return ok
}

// Len returns the number of distinct properties.
func (p *Properties) Len() int {
	return len(p.items)
}

// All returns the properties in insertion order.
// The slice is shared; callers must not modify it.
func (p *Properties) All() []Property {
	return p.items
}

// Map returns a copy of the bag keyed by the stored spelling.
func (p *Properties) Map() map[string]string {
	m := make(map[string]string, len(p.items))
	for _, it := range p.items {
		m[it.Key] = it.Value
	}
	return m
}
