package process

import (
	"sort"
	"strings"
)

// MergeEnvironment overlays overrides on top of an inherited KEY=VALUE
// list. Overrides win on collision and the result is sorted by key, so
// the outcome does not depend on map iteration order. Entries without '='
// are dropped.
func MergeEnvironment(inherited []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(inherited)+len(overrides))
	for _, entry := range inherited {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		merged[key] = value
	}
	for key, value := range overrides {
		merged[key] = value
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, key := range keys {
		env = append(env, key+"="+merged[key])
	}
	return env
}
