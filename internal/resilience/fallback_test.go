package resilience

import (
	"errors"
	"testing"
	"time"
)

type fakeBackend struct {
	name  string
	err   error
	calls int
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()

	a, b := &fakeBackend{name: "a"}, &fakeBackend{name: "b"}
	fg := NewFallbackGroup(a, "a", FallbackConfig{})
	fg.AddFallback("b", b)

	name, err := fg.Execute(func(f *fakeBackend) error { f.calls++; return f.err })
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if name != "a" || a.calls != 1 || b.calls != 0 {
		t.Errorf("name=%q a=%d b=%d", name, a.calls, b.calls)
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	t.Parallel()

	a, b := &fakeBackend{name: "a", err: errTest}, &fakeBackend{name: "b"}
	fg := NewFallbackGroup(a, "a", FallbackConfig{})
	fg.AddFallback("b", b)

	name, err := fg.Execute(func(f *fakeBackend) error { f.calls++; return f.err })
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if name != "b" {
		t.Errorf("name = %q, want b", name)
	}
	if got := fg.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names = %v", got)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup(&fakeBackend{err: errTest}, "a", FallbackConfig{})
	fg.AddFallback("b", &fakeBackend{err: errTest})

	_, err := fg.Execute(func(f *fakeBackend) error { return f.err })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want wrapped cause", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	a, b := &fakeBackend{err: errTest}, &fakeBackend{}
	fg := NewFallbackGroup(a, "a", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("b", b)

	fn := func(f *fakeBackend) error { f.calls++; return f.err }
	fg.Execute(fn)
	fg.Execute(fn)
	if a.calls != 1 {
		t.Errorf("primary calls = %d, want 1 (breaker open after first failure)", a.calls)
	}
	if b.calls != 2 {
		t.Errorf("fallback calls = %d, want 2", b.calls)
	}
}
