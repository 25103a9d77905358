package events

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestStreamDeliversInOrder(t *testing.T) {
	stream := NewStream("req-1")
	published := []Event{
		Status{State: StatusProcessing},
		Progress{Step: "generating", Attempt: 1},
		SceneGenerated{PatchSummary: "added Cube"},
		Status{State: StatusComplete},
	}
	for _, ev := range published {
		stream.Publish(ev)
	}
	stream.Close()

	var got []Event
	for ev := range stream.Events() {
		got = append(got, ev)
	}
	if len(got) != len(published) {
		t.Fatalf("received %d events, want %d", len(got), len(published))
	}
	for i, ev := range got {
		if ev.Kind() != published[i].Kind() {
			t.Fatalf("event %d kind %s, want %s", i, ev.Kind(), published[i].Kind())
		}
	}
}

func TestStreamPublishAfterCloseIsNoop(t *testing.T) {
	stream := NewStream("req-2")
	stream.Publish(Status{State: StatusProcessing})
	stream.Close()
	stream.Close() // idempotent

	// Must not panic and must not grow the drained channel.
	stream.Publish(Error{Code: "late", Message: "too late"})

	count := 0
	for range stream.Events() {
		count++
	}
	if count != 1 {
		t.Fatalf("drained %d events, want 1", count)
	}
}

func TestStreamBlocksSlowSubscriber(t *testing.T) {
	stream := NewStream("req-3")
	done := make(chan struct{})
	go func() {
		defer close(done)
		// One more than the buffer forces the publisher to wait for
		// the subscriber instead of dropping.
		for i := 0; i <= defaultStreamBuffer; i++ {
			stream.Publish(Progress{Step: "rendering", Attempt: 1})
		}
		stream.Close()
	}()

	count := 0
	for range stream.Events() {
		count++
	}
	<-done
	if count != defaultStreamBuffer+1 {
		t.Fatalf("drained %d events, want %d", count, defaultStreamBuffer+1)
	}
}

func TestStreamConcurrentPublishAndClose(t *testing.T) {
	// A Close racing an in-flight Publish must wait for the send, never
	// panic on a closed channel.
	for i := 0; i < 200; i++ {
		stream := NewStream("req-race")
		go func() {
			for range stream.Events() {
			}
		}()
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 16; j++ {
				stream.Publish(Progress{Step: "rendering", Attempt: 1})
			}
		}()
		stream.Close()
		wg.Wait()
	}
}

func TestEventWireShape(t *testing.T) {
	raw, err := json.Marshal(FramesRendered{
		Stage:  "candidate",
		Angles: []string{"perspective"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "renders") {
		t.Fatalf("unpersisted frames must omit render ids: %s", raw)
	}

	raw, err = json.Marshal(Complete{
		SceneVersionID: 5,
		VersionNumber:  2,
		Renders:        map[string]int64{"perspective": 9},
		Warning:        "verification never passed",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{"scene_version_id", "version_number", "warning"} {
		if !strings.Contains(string(raw), field) {
			t.Fatalf("complete event missing %q: %s", field, raw)
		}
	}
}
