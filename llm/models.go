package llm

import (
	"sort"

	"github.com/samber/lo"
)

// ModelTable maps user-facing model names to the backend-specific identifiers
// the wire call requires. Tables are built from configuration at adapter
// construction time and never mutated afterwards, so lookups are pure and
// deterministic.
type ModelTable map[string]string

// Resolve maps a user-facing name to a wire identifier. Unknown names fail
// with an unknown_model error rather than silently passing the name through.
func (t ModelTable) Resolve(name string) (string, error) {
	if id, ok := t[name]; ok {
		return id, nil
	}
	return "", NewUnknownModelError(name, t.Names())
}

// Names returns the user-facing model names in stable order.
func (t ModelTable) Names() []string {
	names := lo.Keys(t)
	sort.Strings(names)
	return names
}
