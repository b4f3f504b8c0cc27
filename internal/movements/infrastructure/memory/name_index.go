package memory

import (
	"strings"
	"sync"

	movements "transit-dwh/internal/movements/domain"
)

type keySet map[movements.StationKey]struct{}

// nameIndex maps folded station names to keys through an exact map and a
// trigram posting list, the in-process form of the pg_trgm index.
type nameIndex struct {
	mu    sync.RWMutex
	names map[movements.StationKey]string
	exact map[string]keySet
	grams map[string]keySet
}

func newNameIndex() *nameIndex {
	return &nameIndex{
		names: make(map[movements.StationKey]string),
		exact: make(map[string]keySet),
		grams: make(map[string]keySet),
	}
}

func trigrams(s string) []string {
	runes := []rune(s)
	if len(runes) < 3 {
		return nil
	}
	seen := make(map[string]struct{}, len(runes))
	out := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		g := string(runes[i : i+3])
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

func (ix *nameIndex) set(key movements.StationKey, name string) {
	folded := movements.NormalizeStationName(name)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old, ok := ix.names[key]; ok {
		if old == folded {
			return
		}
		ix.removeLocked(key, old)
	}
	ix.names[key] = folded
	add(ix.exact, folded, key)
	for _, g := range trigrams(folded) {
		add(ix.grams, g, key)
	}
}

func (ix *nameIndex) removeLocked(key movements.StationKey, folded string) {
	remove(ix.exact, folded, key)
	for _, g := range trigrams(folded) {
		remove(ix.grams, g, key)
	}
	delete(ix.names, key)
}

// lookup returns the lowest key whose folded name equals folded.
func (ix *nameIndex) lookup(folded string) (movements.StationKey, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var (
		best  movements.StationKey
		found bool
	)
	for key := range ix.exact[folded] {
		if !found || key < best {
			best, found = key, true
		}
	}
	return best, found
}

// search returns keys whose folded name contains the folded fragment.
func (ix *nameIndex) search(fragment string) []movements.StationKey {
	folded := strings.ToLower(fragment)
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	candidates := ix.candidatesLocked(folded)
	out := make([]movements.StationKey, 0, len(candidates))
	for key := range candidates {
		if strings.Contains(ix.names[key], folded) {
			out = append(out, key)
		}
	}
	return out
}

func (ix *nameIndex) candidatesLocked(folded string) keySet {
	grams := trigrams(folded)
	if len(grams) == 0 {
		all := make(keySet, len(ix.names))
		for key := range ix.names {
			all[key] = struct{}{}
		}
		return all
	}
	// Intersect starting from the shortest posting list.
	smallest := ix.grams[grams[0]]
	for _, g := range grams[1:] {
		if len(ix.grams[g]) < len(smallest) {
			smallest = ix.grams[g]
		}
	}
	out := make(keySet, len(smallest))
	for key := range smallest {
		ok := true
		for _, g := range grams {
			if _, hit := ix.grams[g][key]; !hit {
				ok = false
				break
			}
		}
		if ok {
			out[key] = struct{}{}
		}
	}
	return out
}

func add(m map[string]keySet, k string, key movements.StationKey) {
	set, ok := m[k]
	if !ok {
		set = make(keySet)
		m[k] = set
	}
	set[key] = struct{}{}
}

func remove(m map[string]keySet, k string, key movements.StationKey) {
	set, ok := m[k]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(m, k)
	}
}
