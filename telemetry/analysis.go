package telemetry

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"distcoder/internal/timeutil"
)

// Interval is the recorded span of one event. Either end may be zero when
// only one mark reached the store.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Complete reports whether both marks are present.
func (i Interval) Complete() bool {
	return !i.Start.IsZero() && !i.End.IsZero()
}

// Duration returns End-Start, or 0 for an incomplete interval.
func (i Interval) Duration() time.Duration {
	if !i.Complete() {
		return 0
	}
	return i.End.Sub(i.Start)
}

// Progress is the number of processed chunks of one stream.
type Progress struct {
	Done  int
	Total int
}

// Entry is one telemetry item read back from a store.
type Entry struct {
	Item      string
	RunID     string
	Counter   int
	Intervals map[EventKind]Interval
	Streams   map[int]Progress
	Details   map[string]string
}

// Duration returns the duration of kind and whether it is complete.
func (e Entry) Duration(kind EventKind) (time.Duration, bool) {
	iv, ok := e.Intervals[kind]
	if !ok || !iv.Complete() {
		return 0, false
	}
	return iv.Duration(), true
}

// Started returns the earliest mark of the entry.
func (e Entry) Started() time.Time {
	var first time.Time
	for _, iv := range e.Intervals {
		for _, t := range []time.Time{iv.Start, iv.End} {
			if !t.IsZero() && (first.IsZero() || t.Before(first)) {
				first = t
			}
		}
	}
	return first
}

// splitItem splits "<runID>-<counter>". Run IDs may contain dashes.
func splitItem(item string) (string, int, error) {
	i := strings.LastIndex(item, "-")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed telemetry item %q", item)
	}
	counter, err := strconv.Atoi(item[i+1:])
	if err != nil || counter < 0 {
		return "", 0, fmt.Errorf("malformed counter in telemetry item %q", item)
	}
	return item[:i], counter, nil
}

// ParseEntry builds an Entry from the attributes of item.
func ParseEntry(item string, attrs map[string]string) (Entry, error) {
	runID, counter, err := splitItem(item)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Item:      item,
		RunID:     runID,
		Counter:   counter,
		Intervals: make(map[EventKind]Interval),
		Streams:   make(map[int]Progress),
		Details:   make(map[string]string),
	}

	for name, value := range attrs {
		if strings.Contains(name, "Time") {
			k, err := ParseKey(name)
			if err == nil {
				ms, err := strconv.ParseInt(value, 10, 64)
				if err != nil {
					return Entry{}, fmt.Errorf("%s: invalid time %q for %s", item, value, name)
				}
				iv := e.Intervals[k.Event]
				if k.Boundary == BoundaryStart {
					iv.Start = time.UnixMilli(ms)
				} else {
					iv.End = time.UnixMilli(ms)
				}
				e.Intervals[k.Event] = iv
				continue
			}
		}
		if stream, ok := streamAttr(name, attrStreamTotal); ok {
			p := e.Streams[stream]
			p.Total, _ = strconv.Atoi(value)
			e.Streams[stream] = p
			continue
		}
		if stream, ok := streamAttr(name, attrStreamProgress); ok {
			p := e.Streams[stream]
			p.Done, _ = strconv.Atoi(value)
			e.Streams[stream] = p
			continue
		}
		e.Details[name] = value
	}

	// A finished job processed every chunk.
	if iv, ok := e.Intervals[EventJob]; ok && !iv.End.IsZero() {
		for s, p := range e.Streams {
			p.Done = p.Total
			e.Streams[s] = p
		}
	}
	return e, nil
}

func streamAttr(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(prefix):])
	return n, err == nil
}

// LoadEntry reads item from store.
func LoadEntry(ctx context.Context, store Store, item string) (Entry, error) {
	attrs, err := store.Get(ctx, item)
	if err != nil {
		return Entry{}, err
	}
	return ParseEntry(item, attrs)
}

// Entries loads every item of runID ordered by counter.
func Entries(ctx context.Context, store Store, runID string) ([]Entry, error) {
	items, err := store.Items(ctx, runID+"-")
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, item := range items {
		id, _, err := splitItem(item)
		if err != nil || id != runID {
			continue
		}
		e, err := LoadEntry(ctx, store, item)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Counter < entries[j].Counter })
	return entries, nil
}

// WriteReport prints one row per entry with the duration of every event.
// Events without both marks print as "-".
func WriteReport(w io.Writer, entries []Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := []string{"ITEM", "NAME"}
	for _, k := range EventKinds {
		header = append(header, string(k))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, e := range entries {
		name := e.Details[AttrJobName]
		if e.Counter == 0 {
			name = "(run)"
		}
		row := []string{e.Item, name}
		for _, k := range EventKinds {
			d, ok := e.Duration(k)
			if !ok {
				row = append(row, "-")
				continue
			}
			row = append(row, timeutil.FormatMicros(d.Microseconds()))
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}
