// Package registry reads the snapper snapshot registry and labels snapshots
// created by a transaction with their lineage.
package registry

import (
	"sort"
	"time"

	"github.com/juju/collections/set"
)

// Record is one snapshot in the registry.
type Record struct {
	ID          int               `yaml:"id"`
	ParentID    int               `yaml:"parent_id,omitempty"`
	HasParent   bool              `yaml:"has_parent,omitempty"`
	Date        string            `yaml:"date,omitempty"` // as printed by snapper
	Created     time.Time         `yaml:"created,omitempty"`
	Active      bool              `yaml:"active,omitempty"`
	Default     bool              `yaml:"default,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Userdata    map[string]string `yaml:"userdata,omitempty"`
}

// View is a point-in-time listing of the registry. Available is false when
// the registry could not be read; such a view is empty.
type View struct {
	Available bool     `yaml:"available"`
	Records   []Record `yaml:"records"`
}

// IDs returns the set of snapshot ids in the view.
func (v View) IDs() set.Ints {
	ids := set.NewInts()
	for _, r := range v.Records {
		ids.Add(r.ID)
	}
	return ids
}

// Get returns the record with the given id.
func (v View) Get(id int) (Record, bool) {
	for _, r := range v.Records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Active returns the record flagged as currently running.
func (v View) Active() (Record, bool) {
	for _, r := range v.Records {
		if r.Active {
			return r, true
		}
	}
	return Record{}, false
}

// Default returns the record flagged as the next boot default.
func (v View) Default() (Record, bool) {
	for _, r := range v.Records {
		if r.Default {
			return r, true
		}
	}
	return Record{}, false
}

// MaxID returns the largest snapshot id in the view.
func (v View) MaxID() (int, bool) {
	if len(v.Records) == 0 {
		return 0, false
	}
	max := v.Records[0].ID
	for _, r := range v.Records[1:] {
		if r.ID > max {
			max = r.ID
		}
	}
	return max, true
}

// Added returns the records of v whose ids do not appear in before, by id.
func (v View) Added(before View) []Record {
	old := before.IDs()
	var out []Record
	for _, r := range v.Records {
		if !old.Contains(r.ID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
