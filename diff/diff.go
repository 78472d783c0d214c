package diff

import (
	"sort"
)

// FindChanges compares two attribute snapshots and returns a list of changes,
// sorted by attribute name. Value order is not significant.
func FindChanges(prev, curr map[string][]string) []AttributeChange {
	var changes []AttributeChange

	// Detect changed or added attributes
	for k, newVal := range curr {
		oldVal, exists := prev[k]
		if !exists {
			if len(newVal) == 0 {
				continue
			}
			changes = append(changes, AttributeChange{Name: k, Old: nil, New: newVal})
			continue
		}
		if !sameValues(oldVal, newVal) {
			changes = append(changes, AttributeChange{Name: k, Old: oldVal, New: newVal})
		}
	}

	// Detect removed attributes
	for k, oldVal := range prev {
		if _, exists := curr[k]; !exists && len(oldVal) > 0 {
			changes = append(changes, AttributeChange{Name: k, Old: oldVal, New: nil})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Name < changes[j].Name })
	return changes
}

// Restrict returns only the changes for the named attributes.
func Restrict(changes []AttributeChange, names map[string]bool) []AttributeChange {
	var out []AttributeChange
	for _, ch := range changes {
		if names[ch.Name] {
			out = append(out, ch)
		}
	}
	return out
}

func sameValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
