package auditkit

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
)

func writeSchedulerFixture(t *testing.T, contents string) *System {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.txt")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return &System{SystemID: path, FilePath: path, Encoding: DefaultEncoding, OSFamily: OSLinux}
}

func TestSchedulerRunPreservesInputOrder(t *testing.T) {
	systems := []*System{
		writeSchedulerFixture(t, "alpha\n"),
		writeSchedulerFixture(t, "beta\n"),
		writeSchedulerFixture(t, "gamma\n"),
	}
	cfg := &SearchConfig{Name: "any", CompiledRegex: mustCompile(t, `.+`), MaxResults: -1}
	engine := NewEngine([]*SearchConfig{cfg})
	sched := NewScheduler(engine, WithWorkers(3))

	results, err := sched.Run(context.Background(), systems)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	want := []string{"alpha", "beta", "gamma"}
	for i, w := range want {
		rows := results[i]["any"]
		if len(rows) != 1 || rows[0].MatchedText != w {
			t.Errorf("results[%d] = %+v, want matched text %q", i, rows, w)
		}
	}
}

func TestSchedulerEmitsProgressTicksForEveryUnit(t *testing.T) {
	systems := []*System{
		writeSchedulerFixture(t, "one\n"),
		writeSchedulerFixture(t, "two\n"),
	}
	cfg := &SearchConfig{Name: "any", CompiledRegex: mustCompile(t, `.+`), MaxResults: -1}
	engine := NewEngine([]*SearchConfig{cfg})

	var mu sync.Mutex
	var ticks [][2]int
	sched := NewScheduler(engine, WithWorkers(2), WithProgress(func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		ticks = append(ticks, [2]int{done, total})
	}))

	if _, err := sched.Run(context.Background(), systems); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("len(ticks) = %d, want 2: %v", len(ticks), ticks)
	}
	for _, tick := range ticks {
		if tick[1] != 2 {
			t.Errorf("tick total = %d, want 2", tick[1])
		}
	}
}

func TestSchedulerEmptyInputYieldsEmptyResults(t *testing.T) {
	cfg := &SearchConfig{Name: "any", CompiledRegex: mustCompile(t, `.+`), MaxResults: -1}
	engine := NewEngine([]*SearchConfig{cfg})
	sched := NewScheduler(engine)

	results, err := sched.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("len(results) = %d, want 0", len(results))
	}
}

func TestSchedulerGracefulCancelBeforeRunReturnsWithoutError(t *testing.T) {
	systems := []*System{
		writeSchedulerFixture(t, "a\n"),
		writeSchedulerFixture(t, "b\n"),
		writeSchedulerFixture(t, "c\n"),
	}
	cfg := &SearchConfig{Name: "any", CompiledRegex: mustCompile(t, `.+`), MaxResults: -1}
	engine := NewEngine([]*SearchConfig{cfg})
	sched := NewScheduler(engine, WithWorkers(1))

	sched.Cancel(CancelGraceful)
	results, err := sched.Run(context.Background(), systems)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Graceful cancel stops submitting new units; since Cancel was called
	// before Run, no units are guaranteed to complete, but the call must
	// not error and must return a correctly sized slice.
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
}

func TestSchedulerImmediateCancelSurfacesInterruptedError(t *testing.T) {
	systems := []*System{
		writeSchedulerFixture(t, "a\n"),
		writeSchedulerFixture(t, "b\n"),
	}
	cfg := &SearchConfig{Name: "any", CompiledRegex: mustCompile(t, `.+`), MaxResults: -1}
	engine := NewEngine([]*SearchConfig{cfg})
	sched := NewScheduler(engine, WithWorkers(1))

	sched.Cancel(CancelImmediate)
	_, err := sched.Run(context.Background(), systems)
	if err == nil {
		t.Fatal("expected an InterruptedError")
	}
	if _, ok := err.(*InterruptedError); !ok {
		t.Errorf("error type = %T, want *InterruptedError", err)
	}
}

// TestSchedulerUrgentCancelReachesInFlightUnit exercises the live watcher
// path directly: a unit already registered as in flight (as Run registers
// every unit before handing it to AnalyzeSystem) must have its context
// cancelled the moment Cancel(CancelUrgent) is called, not merely at its
// next dispatch.
func TestSchedulerUrgentCancelReachesInFlightUnit(t *testing.T) {
	cfg := &SearchConfig{Name: "any", CompiledRegex: mustCompile(t, `.+`), MaxResults: -1}
	sched := NewScheduler(NewEngine([]*SearchConfig{cfg}))

	sched.activeMu.Lock()
	sched.activeCancels = make(map[int]context.CancelFunc)
	sched.activeMu.Unlock()

	unitCtx, cancel := context.WithCancel(context.Background())
	sched.registerActiveUnit(0, cancel)

	select {
	case <-unitCtx.Done():
		t.Fatal("unit context cancelled before Cancel(CancelUrgent) was ever called")
	default:
	}

	sched.Cancel(CancelUrgent)

	select {
	case <-unitCtx.Done():
	default:
		t.Fatal("expected Cancel(CancelUrgent) to cancel an in-flight unit's context")
	}
}

// TestSchedulerUrgentCancelMidRunKeepsPartialResults drives a real Run over
// a long-running unit and cancels to Urgent once the unit is registered as
// running, then checks that Run returns without error and with one result
// slot for the unit. The polling goroutine gives up after a bounded number
// of checks, so the cancel is not guaranteed to land before the unit ends.
func TestSchedulerUrgentCancelMidRunKeepsPartialResults(t *testing.T) {
	var lines []string
	for i := 0; i < 5000; i++ {
		lines = append(lines, "line")
	}
	sys := writeSchedulerFixture(t, strings.Join(lines, "\n")+"\n")

	cfg := &SearchConfig{Name: "slow", CompiledRegex: regexp.MustCompile(`.+`), MaxResults: -1}
	engine := NewEngine([]*SearchConfig{cfg})
	sched := NewScheduler(engine, WithWorkers(1))

	// Cancel as soon as the scheduler has registered the unit as running,
	// so the cancellation lands while AnalyzeSystem is still streaming
	// lines rather than before or after it runs.
	go func() {
		for i := 0; i < 10000; i++ {
			sched.activeMu.Lock()
			_, running := sched.activeCancels[0]
			sched.activeMu.Unlock()
			if running {
				sched.Cancel(CancelUrgent)
				return
			}
		}
	}()

	results, err := sched.Run(context.Background(), []*System{sys})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
}

func TestSchedulerCancelStageOnlyEscalates(t *testing.T) {
	cfg := &SearchConfig{Name: "any", CompiledRegex: mustCompile(t, `.+`), MaxResults: -1}
	sched := NewScheduler(NewEngine([]*SearchConfig{cfg}))

	sched.Cancel(CancelUrgent)
	sched.Cancel(CancelGraceful)
	if got := sched.currentStage(); got != CancelUrgent {
		t.Errorf("stage = %s, want urgent (graceful must not downgrade)", got)
	}
	sched.Cancel(CancelImmediate)
	if got := sched.currentStage(); got != CancelImmediate {
		t.Errorf("stage = %s, want immediate", got)
	}
}
