package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/multierr"

	"github.com/tathienbao/exec-gateway/internal/broker"
	"github.com/tathienbao/exec-gateway/internal/broker/sim"
	"github.com/tathienbao/exec-gateway/internal/types"
)

type failingDisconnect struct {
	*sim.Backend
	err error
}

func (f failingDisconnect) Disconnect() error { return f.err }

func simFactory(name string, calls *atomic.Int32) Factory {
	return func() (broker.Backend, error) {
		calls.Add(1)
		cfg := sim.DefaultConfig()
		cfg.Name = name
		return sim.New(cfg, nil), nil
	}
}

func TestRegistry_Get(t *testing.T) {
	var ibCalls, testCalls atomic.Int32
	r := New(nil, map[string]Factory{
		"IB":   simFactory("IB", &ibCalls),
		"TEST": simFactory("TEST", &testCalls),
	})

	first, err := r.Get("IB")
	if err != nil {
		t.Fatalf("Get(IB) error = %v", err)
	}
	second, err := r.Get("ib")
	if err != nil {
		t.Fatalf("Get(ib) error = %v", err)
	}
	if first != second {
		t.Error("Get(IB) twice returned different instances")
	}
	if ibCalls.Load() != 1 {
		t.Errorf("IB factory calls = %d, want 1", ibCalls.Load())
	}
	if testCalls.Load() != 0 {
		t.Errorf("TEST factory calls = %d, want 0 before first use", testCalls.Load())
	}

	_, err = r.Get("UNKNOWN")
	if !errors.Is(err, types.ErrUnsupportedBroker) {
		t.Errorf("Get(UNKNOWN) error = %v, want ErrUnsupportedBroker", err)
	}
}

func TestRegistry_ConcurrentFirstGet(t *testing.T) {
	var calls atomic.Int32
	r := New(nil, map[string]Factory{"TEST": simFactory("TEST", &calls)})

	const n = 32
	got := make([]broker.Backend, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := r.Get("TEST")
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			got[i] = b
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("factory calls = %d, want 1", calls.Load())
	}
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("caller %d got a different instance", i)
		}
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	attempts := 0
	r := New(nil, map[string]Factory{
		"IB": func() (broker.Backend, error) {
			attempts++
			if attempts == 1 {
				return nil, boom
			}
			return sim.New(sim.DefaultConfig(), nil), nil
		},
	})

	if _, err := r.Get("IB"); !errors.Is(err, boom) {
		t.Fatalf("Get() error = %v, want boom", err)
	}
	if _, err := r.Get("IB"); err != nil {
		t.Errorf("Get() after failed construction error = %v", err)
	}
}

func TestRegistry_NamesAndBackends(t *testing.T) {
	var calls atomic.Int32
	r := New(nil, map[string]Factory{
		"TEST": simFactory("TEST", &calls),
		"ib":   simFactory("IB", &calls),
	})

	names := r.Names()
	if len(names) != 2 || names[0] != "IB" || names[1] != "TEST" {
		t.Errorf("Names() = %v, want [IB TEST]", names)
	}
	if len(r.Backends()) != 0 {
		t.Errorf("Backends() before Get = %d, want 0", len(r.Backends()))
	}
	_, _ = r.Get("TEST")
	if b := r.Backends(); len(b) != 1 || b[0].Name() != "TEST" {
		t.Errorf("Backends() = %v, want [TEST]", b)
	}
}

func TestRegistry_Close(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	r := New(nil, map[string]Factory{
		"A": func() (broker.Backend, error) {
			return failingDisconnect{sim.New(sim.DefaultConfig(), nil), errA}, nil
		},
		"B": func() (broker.Backend, error) {
			return failingDisconnect{sim.New(sim.DefaultConfig(), nil), errB}, nil
		},
		"C": func() (broker.Backend, error) { return sim.New(sim.DefaultConfig(), nil), nil },
	})
	for _, name := range []string{"A", "B", "C"} {
		if _, err := r.Get(name); err != nil {
			t.Fatalf("Get(%s) error = %v", name, err)
		}
	}

	err := r.Close()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Close() error = %v, want both failures", err)
	}
	if got := len(multierr.Errors(err)); got != 2 {
		t.Errorf("Close() errors = %d, want 2", got)
	}
}
