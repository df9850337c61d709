package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// HashKey returns a frontier key that is stable for logically identical requests.
// Filter keys are sorted, an absent zoom hashes as DefaultZoom and an absent page as 1.
func HashKey(q SearchQuery, nonce ...any) string {
	d := xxhash.New()
	b := q.MapBounds
	for _, coord := range []float64{b.West, b.East, b.South, b.North} {
		_, _ = d.WriteString(strconv.FormatFloat(coord, 'g', -1, 64))
		_, _ = d.WriteString("|")
	}
	_, _ = d.WriteString(strconv.Itoa(q.Zoom()))
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(strconv.Itoa(q.Page()))

	keys := make([]string, 0, len(q.FilterState))
	for k := range q.FilterState {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(k)
		_, _ = d.WriteString("=")
		_, _ = d.Write(canonicalJSON(q.FilterState[k]))
	}
	for _, n := range nonce {
		_, _ = d.WriteString("#")
		_, _ = d.Write(canonicalJSON(n))
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

// QuickHash hashes arbitrary JSON-encodable parts into a short hex key.
func QuickHash(parts ...any) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(canonicalJSON(parts)))
}

// canonicalJSON relies on encoding/json sorting map keys.
func canonicalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%v", v))
	}
	return data
}
