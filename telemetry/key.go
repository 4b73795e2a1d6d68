// Package telemetry records start/end timings of pipeline stages into a
// remote attribute store, and reads them back for analysis.
//
// Every job gets one item named "<runID>-<counter>"; counter 0 is the item
// of the whole run. An item holds one attribute per timing mark, keyed
// "<Event>/<Boundary>" with a Unix millisecond value, plus free-form detail
// attributes.
package telemetry

import (
	"fmt"
	"strings"
)

// EventKind is a timed pipeline event.
type EventKind string

const (
	EventDemux                EventKind = "Demux"
	EventRawCopyIn            EventKind = "RawCopyIn"
	EventRawCopyOut           EventKind = "RawCopyOut"
	EventDistributedExecution EventKind = "DistributedExecution"
	EventMerge                EventKind = "Merge"
	EventJob                  EventKind = "Job"
	EventJobRun               EventKind = "JobRun"
)

// EventKinds lists every event kind in pipeline order.
var EventKinds = []EventKind{
	EventJobRun,
	EventJob,
	EventRawCopyIn,
	EventDemux,
	EventDistributedExecution,
	EventMerge,
	EventRawCopyOut,
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Boundary is the start or end of an event.
type Boundary string

const (
	BoundaryStart Boundary = "StartTime"
	BoundaryEnd   Boundary = "EndTime"
)

// Key names one timing attribute.
type Key struct {
	Event    EventKind
	Boundary Boundary
}

// StartKey returns the start key of k.
func StartKey(k EventKind) Key { return Key{Event: k, Boundary: BoundaryStart} }

// EndKey returns the end key of k.
func EndKey(k EventKind) Key { return Key{Event: k, Boundary: BoundaryEnd} }

// String returns the attribute name, "<Event>/<Boundary>".
func (k Key) String() string {
	return string(k.Event) + "/" + string(k.Boundary)
}

// ParseKey parses an attribute name. Both "/" and " " are accepted as
// the delimiter since stores written by older tooling use either.
func ParseKey(attr string) (Key, error) {
	i := strings.IndexAny(attr, "/ ")
	if i < 0 {
		return Key{}, fmt.Errorf("not a timing attribute: %q", attr)
	}
	k := Key{Event: EventKind(attr[:i]), Boundary: Boundary(attr[i+1:])}
	if !k.Event.Valid() {
		return Key{}, fmt.Errorf("unknown event %q in %q", k.Event, attr)
	}
	if k.Boundary != BoundaryStart && k.Boundary != BoundaryEnd {
		return Key{}, fmt.Errorf("unknown boundary %q in %q", k.Boundary, attr)
	}
	return k, nil
}
