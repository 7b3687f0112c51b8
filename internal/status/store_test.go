package status

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/k11v/appbuild/internal/build"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var pipeline = []build.State{
	build.StateReceived,
	build.StateResolvingAttachments,
	build.StateGenerating,
	build.StateCommitting,
	build.StateDeploying,
	build.StateNotifying,
	build.StateCompleted,
}

func TestStore(t *testing.T) {
	t.Run("creates a record once per nonce", func(t *testing.T) {
		s := NewStore(4)

		rec, created := s.Create("n1", "hello-1", 1)
		if !created {
			t.Fatal("didn't want an existing record")
		}
		if got, want := rec.State, build.StateReceived; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}

		again, created := s.Create("n1", "other-task", 2)
		if created {
			t.Fatal("didn't want a second record")
		}
		if again.Task != "hello-1" || again.Round != 1 {
			t.Fatalf("got %s/%d, want hello-1/1", again.Task, again.Round)
		}
	})

	t.Run("doesn't get an unknown nonce", func(t *testing.T) {
		s := NewStore(0)
		if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("got %v, want %v", err, ErrNotFound)
		}
		if _, err := s.Set("missing", Update{State: build.StateGenerating}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("got %v, want %v", err, ErrNotFound)
		}
	})

	t.Run("advances and keeps details", func(t *testing.T) {
		s := NewStore(4)
		s.Create("n1", "hello-1", 1)

		if _, err := s.Set("n1", Update{State: build.StateCommitting, RepositoryURL: "https://github.com/u/app-hello-1"}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		rec, err := s.Set("n1", Update{State: build.StateDeploying})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := rec.RepositoryURL, "https://github.com/u/app-hello-1"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("doesn't regress", func(t *testing.T) {
		s := NewStore(4)
		s.Create("n1", "hello-1", 1)
		if _, err := s.Set("n1", Update{State: build.StateDeploying}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		_, err := s.Set("n1", Update{State: build.StateGenerating})
		if !errors.Is(err, ErrRegression) {
			t.Fatalf("got %v, want %v", err, ErrRegression)
		}
		rec, _ := s.Get("n1")
		if got, want := rec.State, build.StateDeploying; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("doesn't leave a terminal state", func(t *testing.T) {
		s := NewStore(4)
		s.Create("n1", "hello-1", 1)
		if _, err := s.Set("n1", Update{State: build.StateFailed, Error: &build.ErrorDetail{Kind: build.KindAttachment, Message: "bad"}}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		for _, state := range []build.State{build.StateCompleted, build.StateFailed, build.StateNotifying} {
			if _, err := s.Set("n1", Update{State: state}); !errors.Is(err, ErrTerminal) {
				t.Fatalf("got %v, want %v", err, ErrTerminal)
			}
		}
		rec, _ := s.Get("n1")
		if rec.Error == nil || rec.Error.Kind != build.KindAttachment {
			t.Fatalf("got %v, want attachment error", rec.Error)
		}
	})

	t.Run("rejects unknown states", func(t *testing.T) {
		s := NewStore(4)
		s.Create("n1", "hello-1", 1)
		if _, err := s.Set("n1", Update{State: "bogus"}); err == nil {
			t.Fatal("wanted an error")
		}
	})
}

func TestStoreConcurrentReadersSeeOrderedStates(t *testing.T) {
	s := NewStore(8)
	const jobs = 16
	const readers = 8

	for i := range jobs {
		s.Create(fmt.Sprintf("n%d", i), "task", 1)
	}

	var wg sync.WaitGroup
	errs := make(chan error, jobs*readers)
	done := make(chan struct{})

	for r := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := make(map[string]int)
			for {
				for i := range jobs {
					nonce := fmt.Sprintf("n%d", (i+r)%jobs)
					rec, err := s.Get(nonce)
					if err != nil {
						errs <- err
						return
					}
					if rank := rec.State.Rank(); rank < last[nonce] {
						errs <- fmt.Errorf("%s went from rank %d to %d", nonce, last[nonce], rank)
						return
					} else {
						last[nonce] = rank
					}
				}
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for i := range jobs {
		writers.Add(1)
		go func() {
			defer writers.Done()
			nonce := fmt.Sprintf("n%d", i)
			for _, state := range pipeline[1:] {
				if _, err := s.Set(nonce, Update{State: state}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	writers.Wait()
	close(done)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := s.Len(), jobs; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}
