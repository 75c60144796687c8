package req

import (
	"testing"
	"time"
)

type fakeSink struct{ lines []string }

func (f *fakeSink) Send(line string) error { f.lines = append(f.lines, line); return nil }
func (f *fakeSink) Close() error           { return nil }

func TestRecordStepAccumulates(t *testing.T) {
	r := New(1, 100, Options{Targets: []string{"all"}}, &fakeSink{})
	r.RecordStep("done", 10*time.Millisecond)
	r.RecordStep("done", 5*time.Millisecond)
	if r.st.stepCounts["done"] != 2 {
		t.Fatalf("expected 2 done reports, got %d", r.st.stepCounts["done"])
	}
	if r.st.reportTime["done"] != 15*time.Millisecond {
		t.Fatalf("expected 15ms accumulated, got %s", r.st.reportTime["done"])
	}
}

func TestSummaryListsCategoriesInOrder(t *testing.T) {
	r := New(1, 100, Options{Targets: []string{"all"}}, &fakeSink{})
	r.Record(CategoryUnreachable, "weird.o")
	r.Record(CategoryFailed, "bad.o")
	out := r.Summary()
	failedIdx := indexOf(out, "failed")
	unreachableIdx := indexOf(out, "unreachable")
	if failedIdx < 0 || unreachableIdx < 0 || failedIdx > unreachableIdx {
		t.Fatalf("expected failed before unreachable in summary, got:\n%s", out)
	}
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestUpdateETAFirstCallAlwaysReprioritizes(t *testing.T) {
	r := New(1, 100, Options{Targets: []string{"all"}}, &fakeSink{})
	_, should := r.UpdateETA(time.Second)
	if !should {
		t.Fatal("expected first ETA update to request reprioritize")
	}
}

func TestMarkZombie(t *testing.T) {
	r := New(1, 100, Options{Targets: []string{"all"}}, &fakeSink{})
	if r.IsZombie() {
		t.Fatal("fresh Req should not be zombie")
	}
	r.MarkZombie()
	if !r.IsZombie() {
		t.Fatal("expected zombie after MarkZombie")
	}
}

func TestUnreachableReport(t *testing.T) {
	got := UnreachableReport("out/x.o", nil)
	if got != "out/x.o: unreachable, no rule produces it" {
		t.Fatalf("unexpected report: %s", got)
	}
	got = UnreachableReport("out/x.o", []string{"out/x.o", "out/y.o"})
	if got != "out/x.o: unreachable via out/x.o -> out/y.o" {
		t.Fatalf("unexpected report: %s", got)
	}
}
