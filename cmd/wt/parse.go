package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDue accepts RFC 3339, a plain date or English like "next friday".
func parseDue(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, now.Location()); err == nil {
		return t.UTC(), nil
	}
	r, err := dateParser.Parse(raw, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("due date %q: %w", raw, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("due date %q not understood", raw)
	}
	return r.Time.UTC(), nil
}

// parseAssignments turns repeated name=value flags into a map.
func parseAssignments(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", p)
		}
		out[name] = value
	}
	return out, nil
}

// parseListAppends groups repeated list=value flags by list.
func parseListAppends(pairs []string) (map[string][]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := map[string][]string{}
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected list=value, got %q", p)
		}
		out[name] = append(out[name], value)
	}
	return out, nil
}

// parseListRemovals groups repeated list=index flags by list.
func parseListRemovals(pairs []string) (map[string][]int, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := map[string][]int{}
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected list=index, got %q", p)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("list index %q: %w", raw, err)
		}
		out[name] = append(out[name], idx)
	}
	return out, nil
}

func splitIDs(raw []string) []string {
	var out []string
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
