// Package stats reduces work-item collections into dashboard figures. It is
// scope-agnostic: callers pass whatever set the access policy let them read.
package stats

import (
	"errors"
	"slices"
	"sort"
	"time"

	"worktrack/internal/domain"
	"worktrack/internal/lifecycle"
)

// ErrInvalidWindow is returned when monthsBack is not positive.
var ErrInvalidWindow = errors.New("aggregation window must be at least one month")

// CountActive counts items whose status is active.
func CountActive(items []domain.WorkItem) int {
	n := 0
	for _, it := range items {
		if lifecycle.IsActive(it.Status) {
			n++
		}
	}
	return n
}

// Recent returns the n most recently created items, newest first. Items with
// equal CreatedAt keep their input order.
func Recent(items []domain.WorkItem, n int) []domain.WorkItem {
	if n <= 0 || len(items) == 0 {
		return []domain.WorkItem{}
	}
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b domain.WorkItem) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// Collection is a named set of creation timestamps.
type Collection struct {
	Name      string
	CreatedAt []time.Time
}

// CollectionOf extracts creation timestamps from items.
func CollectionOf(name string, items []domain.WorkItem) Collection {
	c := Collection{Name: name, CreatedAt: make([]time.Time, 0, len(items))}
	for _, it := range items {
		c.CreatedAt = append(c.CreatedAt, it.CreatedAt)
	}
	return c
}

// Line is one named series aligned with Series.Categories.
type Line struct {
	Name string `json:"name"`
	Data []int  `json:"data"`
}

// Series is a month-bucketed activity chart.
type Series struct {
	Categories []string `json:"categories"`
	Series     []Line   `json:"series"`
}

type monthKey struct {
	year  int
	month time.Month
}

func keyOf(t time.Time) monthKey {
	t = t.UTC()
	return monthKey{year: t.Year(), month: t.Month()}
}

func (k monthKey) ordinal() int { return k.year*12 + int(k.month) - 1 }

func (k monthKey) label() string {
	return time.Date(k.year, k.month, 1, 0, 0, 0, 0, time.UTC).Format("Jan 2006")
}

// MonthlySeries buckets each collection by calendar month (UTC) of creation.
// The window is the last monthsBack months present in the union of all
// collections; every line has one entry per window month, zero-filled.
func MonthlySeries(cols []Collection, monthsBack int) (Series, error) {
	if monthsBack <= 0 {
		return Series{}, ErrInvalidWindow
	}
	counts := make([]map[monthKey]int, len(cols))
	union := map[monthKey]struct{}{}
	for i, c := range cols {
		counts[i] = map[monthKey]int{}
		for _, ts := range c.CreatedAt {
			k := keyOf(ts)
			counts[i][k]++
			union[k] = struct{}{}
		}
	}
	keys := make([]monthKey, 0, len(union))
	for k := range union {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ordinal() < keys[j].ordinal() })
	if len(keys) > monthsBack {
		keys = keys[len(keys)-monthsBack:]
	}

	out := Series{Categories: make([]string, 0, len(keys)), Series: make([]Line, 0, len(cols))}
	for _, k := range keys {
		out.Categories = append(out.Categories, k.label())
	}
	for i, c := range cols {
		line := Line{Name: c.Name, Data: make([]int, 0, len(keys))}
		for _, k := range keys {
			line.Data = append(line.Data, counts[i][k])
		}
		out.Series = append(out.Series, line)
	}
	return out, nil
}
