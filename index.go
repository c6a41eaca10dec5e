package ovapi

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"tidbyt.dev/ovapi/model"
	"tidbyt.dev/ovapi/storage"
)

const (
	MaxSearchResults = 20

	// Number of line numbers shown in a search hit's label.
	maxLabelRoutes = 5
)

// Searchable view of a set of stops. Immutable once built.
type Index struct {
	stops  map[string]*model.StopRecord
	byCode map[string]*model.StopRecord
	groups map[string]*stopGroup

	// Ordered by name length, then smallest stop_id.
	ranked []*stopGroup
}

// Stops sharing a (normalized) name. Typically one per direction.
type stopGroup struct {
	key     string
	city    string
	records []*model.StopRecord
	hit     model.SearchHit
}

func NewIndex(stops map[string]*model.StopRecord) *Index {
	idx := &Index{
		stops:  stops,
		byCode: map[string]*model.StopRecord{},
		groups: map[string]*stopGroup{},
	}

	ids := make([]string, 0, len(stops))
	for id := range stops {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		stop := stops[id]
		if stop == nil || stop.StopCode == "" {
			continue
		}
		if _, found := idx.byCode[stop.StopCode]; !found {
			idx.byCode[stop.StopCode] = stop
		}

		key := normalizeName(stop.Name)
		g, found := idx.groups[key]
		if !found {
			g = &stopGroup{key: key, city: normalizeName(StopCity(stop.Name))}
			idx.groups[key] = g
			idx.ranked = append(idx.ranked, g)
		}
		g.records = append(g.records, stop)
	}

	for _, g := range idx.groups {
		g.hit = groupHit(g.records)
	}

	sort.SliceStable(idx.ranked, func(i, j int) bool {
		a, b := idx.ranked[i], idx.ranked[j]
		la, lb := utf8.RuneCountInString(a.key), utf8.RuneCountInString(b.key)
		if la != lb {
			return la < lb
		}
		return a.records[0].StopID < b.records[0].StopID
	})

	return idx
}

// Number of stops, including those without a code.
func (idx *Index) Len() int {
	return len(idx.stops)
}

// Finds stops by name or timing point code. Stops with the same name
// are grouped into a single hit.
func (idx *Index) Search(query string) []model.SearchHit {
	return idx.SearchInCity(query, "")
}

// Like Search, but only returns stops in the given city. With a city
// set, an empty query lists all of the city's stops.
func (idx *Index) SearchInCity(query string, city string) []model.SearchHit {
	hits := []model.SearchHit{}

	query = strings.TrimSpace(query)
	city = normalizeName(city)
	if query == "" && city == "" {
		return hits
	}

	inCity := func(g *stopGroup) bool {
		return city == "" || g.city == city
	}

	emitted := map[string]bool{}

	if IsTimingPointCode(query) {
		if stop, found := idx.byCode[query]; found && inCity(idx.groups[normalizeName(stop.Name)]) {
			exact := singleHit(stop)
			exact.ExactCode = true
			hits = append(hits, exact)

			g := idx.groups[normalizeName(stop.Name)]
			if len(g.hit.StopCodes) > 1 {
				hits = append(hits, copyHit(g.hit))
				emitted[g.key] = true
			}
		}
	}

	needle := normalizeName(query)
	for _, g := range idx.ranked {
		if len(hits) >= MaxSearchResults {
			break
		}
		if emitted[g.key] || !inCity(g) || !strings.Contains(g.key, needle) {
			continue
		}
		hits = append(hits, copyHit(g.hit))
		emitted[g.key] = true
	}

	if len(hits) > MaxSearchResults {
		hits = hits[:MaxSearchResults]
	}

	return hits
}

// Cities with at least one searchable stop, sorted.
func (idx *Index) Cities() []string {
	seen := map[string]bool{}
	cities := []string{}
	for _, g := range idx.ranked {
		if g.city == "" || seen[g.city] {
			continue
		}
		seen[g.city] = true
		cities = append(cities, g.hit.City)
	}
	sort.Slice(cities, func(i, j int) bool {
		return normalizeName(cities[i]) < normalizeName(cities[j])
	})
	return cities
}

// The town part of a dataset stop name, e.g. "Arnhem" for "Arnhem,
// Centraal Station". Empty if the name has none.
func StopCity(name string) string {
	city, _, found := strings.Cut(name, ",")
	if !found {
		return ""
	}
	return strings.Join(strings.Fields(city), " ")
}

// The stop with the given timing point code, or nil.
func (idx *Index) Lookup(stopCode string) *model.StopRecord {
	stop, found := idx.byCode[strings.TrimSpace(stopCode)]
	if !found {
		return nil
	}
	cp := *stop
	return &cp
}

// Stops with a code ordered by distance from lat, lon. If limit is
// >0, at most limit stops are returned. Stops without coordinates are
// skipped.
func (idx *Index) Nearby(lat float64, lon float64, limit int) []model.StopRecord {
	type distStop struct {
		stop *model.StopRecord
		dist float64
	}

	candidates := []distStop{}
	for _, stop := range idx.byCode {
		if !storage.HasLocation(stop) {
			continue
		}
		candidates = append(candidates, distStop{
			stop: stop,
			dist: storage.StopDistance(stop, lat, lon),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].stop.StopID < candidates[j].stop.StopID
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]model.StopRecord, 0, len(candidates))
	for _, c := range candidates {
		result = append(result, *c.stop)
	}
	return result
}

// Timing point codes are 8 digits.
func IsTimingPointCode(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func singleHit(stop *model.StopRecord) model.SearchHit {
	hit := model.SearchHit{
		Name:           stop.Name,
		City:           StopCity(stop.Name),
		StopCodes:      []string{stop.StopCode},
		StopIDs:        []string{stop.StopID},
		Lat:            stop.Lat,
		Lon:            stop.Lon,
		Routes:         append([]string(nil), stop.Routes...),
		DirectionCount: 1,
	}
	hit.Label = searchLabel(hit.Name, hit.Routes, hit.DirectionCount)
	return hit
}

// Records must be sorted by stop_id.
func groupHit(records []*model.StopRecord) model.SearchHit {
	sorted := append([]*model.StopRecord{}, records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].StopCode, sorted[j].StopCode
		if IsTimingPointCode(a) != IsTimingPointCode(b) {
			return IsTimingPointCode(a)
		}
		return a < b
	})

	hit := model.SearchHit{
		Name: records[0].Name,
		City: StopCity(records[0].Name),
		Lat:  sorted[0].Lat,
		Lon:  sorted[0].Lon,
	}

	seenCode := map[string]bool{}
	routes := map[string]bool{}
	for _, r := range sorted {
		if !seenCode[r.StopCode] {
			seenCode[r.StopCode] = true
			hit.StopCodes = append(hit.StopCodes, r.StopCode)
		}
		for _, route := range r.Routes {
			routes[route] = true
		}
	}
	for _, r := range records {
		hit.StopIDs = append(hit.StopIDs, r.StopID)
	}
	for route := range routes {
		hit.Routes = append(hit.Routes, route)
	}
	sort.Strings(hit.Routes)

	hit.DirectionCount = len(hit.StopCodes)
	hit.Label = searchLabel(hit.Name, hit.Routes, hit.DirectionCount)

	return hit
}

func copyHit(hit model.SearchHit) model.SearchHit {
	hit.StopCodes = append([]string(nil), hit.StopCodes...)
	hit.StopIDs = append([]string(nil), hit.StopIDs...)
	hit.Routes = append([]string(nil), hit.Routes...)
	return hit
}

// E.g. "Arnhem, Centraal Station (1, 102, 2, 3, 7 +4 more) - 2 directions"
func searchLabel(name string, routes []string, directions int) string {
	label := name
	if len(routes) > 0 {
		shown := routes
		if len(shown) > maxLabelRoutes {
			shown = shown[:maxLabelRoutes]
		}
		label += " (" + strings.Join(shown, ", ")
		if len(routes) > maxLabelRoutes {
			label += fmt.Sprintf(" +%d more", len(routes)-maxLabelRoutes)
		}
		label += ")"
	}
	if directions > 1 {
		label += fmt.Sprintf(" - %d directions", directions)
	}
	return label
}
