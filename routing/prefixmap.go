package routing

import (
	"sort"

	"ilpconnector/packet"
)

// PrefixMap maps ILP address prefixes to values and resolves addresses by
// longest matching prefix.
type PrefixMap[T any] struct {
	items map[string]T
	// keys sorted longest first so the first match is the most specific.
	keys []string
}

func NewPrefixMap[T any]() *PrefixMap[T] {
	return &PrefixMap[T]{items: make(map[string]T)}
}

func (m *PrefixMap[T]) Size() int { return len(m.items) }

func (m *PrefixMap[T]) Get(prefix string) (T, bool) {
	v, ok := m.items[prefix]
	return v, ok
}

func (m *PrefixMap[T]) Insert(prefix string, v T) {
	if _, exists := m.items[prefix]; !exists {
		m.keys = append(m.keys, prefix)
		sort.Slice(m.keys, func(i, j int) bool {
			if len(m.keys[i]) != len(m.keys[j]) {
				return len(m.keys[i]) > len(m.keys[j])
			}
			return m.keys[i] < m.keys[j]
		})
	}
	m.items[prefix] = v
}

func (m *PrefixMap[T]) Delete(prefix string) bool {
	if _, exists := m.items[prefix]; !exists {
		return false
	}
	delete(m.items, prefix)
	for i, k := range m.keys {
		if k == prefix {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

// Resolve returns the value under the longest prefix of address.
func (m *PrefixMap[T]) Resolve(address string) (string, T, bool) {
	for _, k := range m.keys {
		if packet.HasPrefix(address, k) {
			return k, m.items[k], true
		}
	}
	var zero T
	return "", zero, false
}

// Keys returns the prefixes in lexical order.
func (m *PrefixMap[T]) Keys() []string {
	out := append([]string(nil), m.keys...)
	sort.Strings(out)
	return out
}
