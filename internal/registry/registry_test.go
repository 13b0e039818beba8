package registry

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"zpowergraph/internal/modules/power/types"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRegistry_Membership(t *testing.T) {
	r := New([]string{"plug-kitchen", "plug-office"}, t0)

	if !r.Tracked("plug-kitchen") {
		t.Error("plug-kitchen should be tracked")
	}
	if r.Tracked("plug-garage") {
		t.Error("plug-garage should not be tracked")
	}
	want := []string{"plug-kitchen", "plug-office"}
	if got := r.IDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
	ids := r.IDs()
	ids[0] = "mutated"
	if r.IDs()[0] != "plug-kitchen" {
		t.Error("IDs() must return a copy")
	}
}

func TestRegistry_SeenAndLast(t *testing.T) {
	r := New([]string{"plug-kitchen"}, t0)

	if _, ok := r.Last("plug-kitchen"); ok {
		t.Fatal("Last before any reading should be absent")
	}

	first := types.Reading{DeviceID: "plug-kitchen", Timestamp: t0.Add(time.Second), PowerWatts: 10, RawPayload: []byte("x")}
	r.Seen(first, t0.Add(time.Second))
	got, ok := r.Last("plug-kitchen")
	if !ok || got.PowerWatts != 10 {
		t.Fatalf("Last = %+v, %v", got, ok)
	}
	if got.RawPayload != nil {
		t.Error("registry should not retain raw payloads")
	}

	older := types.Reading{DeviceID: "plug-kitchen", Timestamp: t0, PowerWatts: 99}
	r.Seen(older, t0.Add(2*time.Second))
	got, _ = r.Last("plug-kitchen")
	if got.PowerWatts != 10 {
		t.Errorf("older reading replaced Last: %+v", got)
	}
	seen, _ := r.LastSeen("plug-kitchen")
	if !seen.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("LastSeen = %v, want %v", seen, t0.Add(2*time.Second))
	}

	r.Seen(types.Reading{DeviceID: "plug-garage", Timestamp: t0}, t0)
	if _, ok := r.Last("plug-garage"); ok {
		t.Error("untracked device must not be recorded")
	}
}

func TestRegistry_Silent(t *testing.T) {
	r := New([]string{"a", "b", "c"}, t0)
	r.Seen(types.Reading{DeviceID: "b", Timestamp: t0.Add(20 * time.Second)}, t0.Add(20*time.Second))

	tests := []struct {
		name string
		now  time.Time
		want []string
	}{
		{name: "nobody yet", now: t0.Add(30 * time.Second), want: nil},
		{name: "a and c", now: t0.Add(31 * time.Second), want: []string{"a", "c"}},
		{name: "everyone", now: t0.Add(51 * time.Second), want: []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Silent(tt.now, 30*time.Second)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Silent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_ConcurrentSeen(t *testing.T) {
	r := New([]string{"a"}, t0)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts := t0.Add(time.Duration(i) * time.Millisecond)
			r.Seen(types.Reading{DeviceID: "a", Timestamp: ts, PowerWatts: float64(i)}, ts)
		}()
	}
	wg.Wait()
	got, ok := r.Last("a")
	if !ok || got.PowerWatts != 49 {
		t.Errorf("Last = %+v, want the newest (49)", got)
	}
}

func TestRegistry_Touch(t *testing.T) {
	r := New([]string{"a"}, t0)
	r.Touch("a", t0.Add(time.Minute))
	r.Touch("a", t0)
	r.Touch("ghost", t0.Add(time.Hour))

	seen, ok := r.LastSeen("a")
	if !ok || !seen.Equal(t0.Add(time.Minute)) {
		t.Errorf("LastSeen = %v, %v; want %v", seen, ok, t0.Add(time.Minute))
	}
	if _, ok := r.Last("a"); ok {
		t.Error("Touch must not invent a reading")
	}
	if _, ok := r.LastSeen("ghost"); ok {
		t.Error("untracked device has a seen time")
	}
}
