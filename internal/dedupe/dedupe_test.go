package dedupe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrentCallsShareOneExecution(t *testing.T) {
	s := New()
	var executions atomic.Int32
	release := make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]any, callers)
	dedupes := make([]bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, deduped, err := s.Do(context.Background(), "merchant.example", func() (any, error) {
				executions.Add(1)
				<-release
				return "scan-result", nil
			})
			if err != nil {
				t.Errorf("Caller %d got error: %v", i, err)
			}
			results[i] = v
			dedupes[i] = deduped
		}(i)
	}

	// Give the goroutines time to pile onto the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := executions.Load(); got != 1 {
		t.Errorf("Expected 1 execution, got %d", got)
	}
	dedupedCount := 0
	for i := 0; i < callers; i++ {
		if results[i] != "scan-result" {
			t.Errorf("Caller %d got wrong result: %v", i, results[i])
		}
		if dedupes[i] {
			dedupedCount++
		}
	}
	// Exactly one caller ran fn; every other caller, and only those, is deduped.
	if dedupedCount != callers-1 {
		t.Errorf("Deduped count = %d, want %d", dedupedCount, callers-1)
	}
}

func TestSequentialCallsRunFresh(t *testing.T) {
	s := New()
	var executions atomic.Int32

	for i := 0; i < 3; i++ {
		_, deduped, err := s.Do(context.Background(), "k", func() (any, error) {
			executions.Add(1)
			return i, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if deduped {
			t.Errorf("Sequential call %d should not be deduped", i)
		}
	}
	if got := executions.Load(); got != 3 {
		t.Errorf("Expected 3 executions, got %d", got)
	}
}

func TestErrorsPropagateToAllCallers(t *testing.T) {
	s := New()
	wantErr := errors.New("upstream down")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = s.Do(context.Background(), "k", func() (any, error) {
				<-release
				return nil, wantErr
			})
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Errorf("Caller %d: expected shared error, got %v", i, err)
		}
	}
}

func TestDistinctKeysDoNotCoalesce(t *testing.T) {
	s := New()
	var executions atomic.Int32
	var wg sync.WaitGroup

	for _, key := range []string{"a.example", "b.example"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			s.Do(context.Background(), key, func() (any, error) {
				executions.Add(1)
				time.Sleep(20 * time.Millisecond)
				return key, nil
			})
		}(key)
	}
	wg.Wait()

	if got := executions.Load(); got != 2 {
		t.Errorf("Expected 2 executions for distinct keys, got %d", got)
	}
}
