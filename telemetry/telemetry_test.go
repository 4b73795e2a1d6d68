package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		attr    string
		want    Key
		wantErr bool
	}{
		{"Slash delimiter", "Demux/StartTime", StartKey(EventDemux), false},
		{"Space delimiter", "Merge EndTime", EndKey(EventMerge), false},
		{"Run event", "JobRun/EndTime", EndKey(EventJobRun), false},
		{"No delimiter", "DemuxStartTime", Key{}, true},
		{"Unknown event", "Upload/StartTime", Key{}, true},
		{"Unknown boundary", "Demux/MidTime", Key{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKey(tt.attr)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q, got %+v", tt.attr, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKey(%q) failed: %v", tt.attr, err)
			}
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}

	for _, k := range EventKinds {
		key := StartKey(k)
		back, err := ParseKey(key.String())
		if err != nil || back != key {
			t.Errorf("Expected %s to parse back, got %+v (%v)", key, back, err)
		}
	}
}

// stepClock advances one second per call.
func stepClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestRecorder_Items(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := NewRecorder(store, "run-a1", zerolog.Nop()).WithClock(stepClock(time.Unix(1000, 0)))

	rec.MarkStart(EventJobRun)
	rec.NextJob("first")
	rec.MarkStart(EventJob)
	rec.MarkStart(EventDemux)
	rec.MarkEnd(EventDemux)
	rec.LogClusterDetails(ClusterDetails{Substrate: "local", Partitions: 3, Workers: 2, InputBytes: 100, ChunkBytes: 10, StreamCount: 2})
	rec.MarkEnd(EventJob)
	rec.NextJob("second")
	rec.MarkStart(EventJob)
	rec.MarkEnd(EventJob)
	rec.MarkEnd(EventJobRun)

	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	items, _ := store.Items(ctx, "run-a1-")
	expected := []string{"run-a1-0", "run-a1-1", "run-a1-2"}
	if strings.Join(items, ",") != strings.Join(expected, ",") {
		t.Fatalf("Expected items %v, got %v", expected, items)
	}

	run, _ := store.Get(ctx, "run-a1-0")
	if _, ok := run["JobRun/StartTime"]; !ok {
		t.Error("Expected run start on the run item")
	}
	if _, ok := run["Job/StartTime"]; ok {
		t.Error("Job marks should not land on the run item")
	}

	first, _ := store.Get(ctx, "run-a1-1")
	if first[AttrPartitions] != "3" || first[AttrSubstrate] != "local" || first[AttrJobName] != "first" {
		t.Errorf("Unexpected cluster details: %v", first)
	}
	if first["Demux/StartTime"] != "1003000" || first["Demux/EndTime"] != "1004000" {
		t.Errorf("Unexpected demux marks: %s %s", first["Demux/StartTime"], first["Demux/EndTime"])
	}
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (f *failingStore) Put(ctx context.Context, item string, attrs map[string]string) error {
	if f.fail {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.Put(ctx, item, attrs)
}

func TestRecorder_FlushRetainsOnFailure(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore(), fail: true}
	rec := NewRecorder(store, "r", zerolog.Nop())

	rec.MarkStart(EventJobRun)
	if err := rec.Flush(ctx); err == nil {
		t.Fatal("Expected flush error, got nil")
	}

	store.fail = false
	rec.MarkEnd(EventJobRun)
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	attrs, _ := store.Get(ctx, "r-0")
	if len(attrs) != 2 {
		t.Errorf("Expected both marks after retry, got %v", attrs)
	}
}

func TestParseEntry(t *testing.T) {
	attrs := map[string]string{
		"Job/StartTime":        "1000",
		"Job/EndTime":          "4000",
		"Merge StartTime":      "2000",
		"Merge EndTime":        "2500",
		"Demux/StartTime":      "1500",
		"StreamCount:0":        "10",
		"StreamProgress:0":     "4",
		"StreamCount:1":        "6",
		AttrSubstrate:          "kafka",
		"DistributedExecution": "ignored",
	}
	e, err := ParseEntry("3f2a-bc-7", attrs)
	if err != nil {
		t.Fatalf("ParseEntry failed: %v", err)
	}
	if e.RunID != "3f2a-bc" || e.Counter != 7 {
		t.Errorf("Expected run 3f2a-bc counter 7, got %s %d", e.RunID, e.Counter)
	}

	tests := []struct {
		kind     EventKind
		expected time.Duration
		complete bool
	}{
		{EventJob, 3 * time.Second, true},
		{EventMerge, 500 * time.Millisecond, true},
		{EventDemux, 0, false},
		{EventRawCopyIn, 0, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			d, ok := e.Duration(tt.kind)
			if ok != tt.complete || d != tt.expected {
				t.Errorf("Expected %v (complete=%v), got %v (complete=%v)", tt.expected, tt.complete, d, ok)
			}
		})
	}

	if !e.Started().Equal(time.UnixMilli(1000)) {
		t.Errorf("Expected start at 1000ms, got %v", e.Started())
	}
	if p := e.Streams[0]; p.Done != 10 || p.Total != 10 {
		t.Errorf("Finished job should report full progress, got %+v", p)
	}
	if e.Details[AttrSubstrate] != "kafka" || e.Details["DistributedExecution"] != "ignored" {
		t.Errorf("Unexpected details: %v", e.Details)
	}

	if _, err := ParseEntry("nocounter", nil); err == nil {
		t.Error("Expected error for malformed item name")
	}
	if _, err := ParseEntry("r-1", map[string]string{"Job/StartTime": "soon"}); err == nil {
		t.Error("Expected error for non-numeric time")
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	store := NewRedisStore(client, "timing:", time.Hour)

	if err := store.Put(ctx, "run-1", map[string]string{"Job/StartTime": "1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "run-1", map[string]string{"Job/EndTime": "2"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	store.Put(ctx, "run-0", map[string]string{"JobRun/StartTime": "0"})
	store.Put(ctx, "other-0", map[string]string{"JobRun/StartTime": "0"})

	attrs, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(attrs) != 2 || attrs["Job/EndTime"] != "2" {
		t.Errorf("Expected merged attributes, got %v", attrs)
	}
	if ttl := mr.TTL("timing:run-1"); ttl != time.Hour {
		t.Errorf("Expected TTL 1h, got %v", ttl)
	}

	items, err := store.Items(ctx, "run-")
	if err != nil {
		t.Fatalf("Items failed: %v", err)
	}
	if strings.Join(items, ",") != "run-0,run-1" {
		t.Errorf("Expected [run-0 run-1], got %v", items)
	}

	missing, err := store.Get(ctx, "absent")
	if err != nil || len(missing) != 0 {
		t.Errorf("Expected empty attributes for a missing item, got %v (%v)", missing, err)
	}
}

func TestEntriesAndReport(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	store := NewRedisStore(client, "", 0)
	runID := "5d1c-aa"
	rec := NewRecorder(store, runID, zerolog.Nop()).WithClock(stepClock(time.Unix(0, 0)))

	rec.MarkStart(EventJobRun)
	for _, name := range []string{"a", "b"} {
		rec.NextJob(name)
		rec.MarkStart(EventJob)
		rec.MarkEnd(EventJob)
	}
	rec.MarkEnd(EventJobRun)
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	// A run whose ID extends this one must not be picked up.
	store.Put(ctx, ItemName(runID+"-x", 0), map[string]string{"JobRun/StartTime": "0"})

	entries, err := Entries(ctx, store, runID)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Counter != i {
			t.Errorf("Expected counter %d at %d, got %d", i, i, e.Counter)
		}
	}
	if d, _ := entries[0].Duration(EventJobRun); d != 5*time.Second {
		t.Errorf("Expected run duration 5s, got %v", d)
	}

	var buf bytes.Buffer
	if err := WriteReport(&buf, entries); err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"ITEM", "(run)", "00:00:05.00", runID + "-2"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected report to contain %q:\n%s", want, out)
		}
	}
}
