package templates

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/taxintake/model"
)

// Registry holds the loaded templates and serves them to checklist
// generation. Replace swaps the whole set atomically, so readers always
// see one consistent version.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	byID      map[string]model.Template
	byTaxType map[model.TaxType][]model.Template
	checksum  string
	loaded    bool
}

// NewRegistry creates a Registry holding the templates of files.
func NewRegistry(files []File) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents. A nil files slice leaves
// the registry empty and not loaded.
func (r *Registry) Replace(files []File) {
	s := &snapshot{
		byID:      make(map[string]model.Template),
		byTaxType: make(map[model.TaxType][]model.Template),
		loaded:    files != nil,
	}

	checksumParts := make([]string, 0, len(files))
	for _, f := range files {
		checksumParts = append(checksumParts, f.Checksum)
		for _, t := range f.Templates {
			s.byID[t.ID] = t
			s.byTaxType[t.TaxType] = append(s.byTaxType[t.TaxType], t)
		}
	}
	for _, list := range s.byTaxType {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].SortOrder != list[j].SortOrder {
				return list[i].SortOrder < list[j].SortOrder
			}
			return list[i].ID < list[j].ID
		})
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// ListTemplates returns the templates of taxType ordered by SortOrder, then
// ID. The returned slice is a copy.
func (r *Registry) ListTemplates(_ context.Context, taxType model.TaxType) ([]model.Template, error) {
	list := r.current().byTaxType[taxType]
	out := make([]model.Template, len(list))
	copy(out, list)
	return out, nil
}

// Get returns the template with the given ID.
func (r *Registry) Get(id string) (model.Template, bool) {
	t, ok := r.current().byID[id]
	return t, ok
}

// Count returns the number of loaded templates.
func (r *Registry) Count() int {
	return len(r.current().byID)
}

// Loaded reports whether a template set has been installed.
func (r *Registry) Loaded() bool {
	return r.current().loaded
}

// Checksum returns the combined checksum of all loaded template files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
