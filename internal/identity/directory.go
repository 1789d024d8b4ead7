// Package identity resolves Planner user ids to the display names stored on
// local tasks, and back.
package identity

import (
	"sort"
	"strings"
)

// Directory is an immutable two-way table of remote user id <-> display name.
// Reloading configuration builds a new Directory; an existing one never changes.
type Directory struct {
	byID   map[string]string
	byName map[string]string // lower-cased display name -> id
}

// NewDirectory copies users (remote id -> display name) into a Directory.
// Blank ids or names are skipped. When two ids share a display name the
// lexically smallest id wins the reverse lookup.
func NewDirectory(users map[string]string) *Directory {
	d := &Directory{
		byID:   make(map[string]string, len(users)),
		byName: make(map[string]string, len(users)),
	}
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		name := strings.TrimSpace(users[id])
		id = strings.TrimSpace(id)
		if id == "" || name == "" {
			continue
		}
		d.byID[id] = name
		key := strings.ToLower(name)
		if _, taken := d.byName[key]; !taken {
			d.byName[key] = id
		}
	}
	return d
}

// DisplayName returns the display name for a remote user id.
func (d *Directory) DisplayName(id string) (string, bool) {
	if d == nil {
		return "", false
	}
	name, ok := d.byID[id]
	return name, ok
}

// UserID returns the remote user id for a display name, case-insensitively.
func (d *Directory) UserID(name string) (string, bool) {
	if d == nil {
		return "", false
	}
	id, ok := d.byName[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

// Len is the number of known users.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.byID)
}

// Merge returns a new Directory with other's entries layered over d's.
func (d *Directory) Merge(other map[string]string) *Directory {
	combined := make(map[string]string, d.Len()+len(other))
	if d != nil {
		for id, name := range d.byID {
			combined[id] = name
		}
	}
	for id, name := range other {
		combined[id] = name
	}
	return NewDirectory(combined)
}
