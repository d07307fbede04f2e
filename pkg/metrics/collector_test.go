package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeProvider struct {
	snap Snapshot
}

func (f fakeProvider) Snapshot() Snapshot { return f.snap }

func TestCollectorCollectUpdatesGauges(t *testing.T) {
	p := fakeProvider{snap: Snapshot{
		NounsByType:  map[string]int{"Person": 3},
		VerbsByType:  map[string]int{"Likes": 2},
		Branch:       "main",
		Branches:     1,
		Backpressure: 2,
	}}

	c := NewCollector(p)
	c.collect()

	if got := testutil.ToFloat64(NounsTotal.WithLabelValues("Person", "main")); got != 3 {
		t.Errorf("NounsTotal = %v, want 3", got)
	}
	if got := testutil.ToFloat64(BranchesTotal); got != 1 {
		t.Errorf("BranchesTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(BackpressureBand); got != 2 {
		t.Errorf("BackpressureBand = %v, want 2", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	p := fakeProvider{snap: Snapshot{Branches: 1}}
	c := NewCollector(p)
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}
