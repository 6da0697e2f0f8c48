package fake_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/ValentinKolb/dEcho/lib/dispatcher"
	dispatchertesting "github.com/ValentinKolb/dEcho/lib/dispatcher/testing"
	"github.com/ValentinKolb/dEcho/lib/fake"
)

func TestFakeDispatcher(t *testing.T) {
	nextFD := 100
	dispatchertesting.RunDispatcherTests(t, "Fake",
		func(capacity int) dispatcher.IDispatcher {
			return fake.NewDispatcher(fake.NewJournal(), capacity)
		},
		func(t *testing.T, d dispatcher.IDispatcher) dispatchertesting.Endpoint {
			fd := nextFD
			nextFD++
			fakeDispatcher := d.(*fake.Dispatcher)
			return dispatchertesting.Endpoint{
				FD: fd,
				MakeReadable: func() {
					fakeDispatcher.Deliver(dispatcher.Event{FD: fd, Events: dispatcher.Readable})
				},
			}
		},
	)
}

func TestFakeDispatcherFailRegister(t *testing.T) {
	journal := fake.NewJournal()
	d := fake.NewDispatcher(journal, 1)

	d.FailRegister(1)
	if err := d.Register(3, dispatcher.Readable); !errors.Is(err, fake.ErrInjected) {
		t.Fatalf("Expected injected failure, got %v", err)
	}
	if err := d.Register(3, dispatcher.Readable); err != nil {
		t.Fatalf("Second Register failed: %v", err)
	}
	if got := d.RegisterCalls(); got != 2 {
		t.Errorf("Expected 2 register calls, got %d", got)
	}

	want := []string{"register-failed 3", "register 3 readable"}
	got := journal.Entries()
	if len(got) != len(want) {
		t.Fatalf("Expected journal %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Journal entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestFakeDispatcherDispatchFiltersMask(t *testing.T) {
	d := fake.NewDispatcher(nil, 1)
	if err := d.Register(3, dispatcher.Readable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	var got []dispatcher.Event
	h := func(ev dispatcher.Event) { got = append(got, ev) }

	if d.Dispatch(h, dispatcher.Event{FD: 3, Events: dispatcher.Writable}) {
		t.Errorf("Writable event delivered for a readable-only registration")
	}
	if !d.Dispatch(h, dispatcher.Event{FD: 3, Events: dispatcher.Readable | dispatcher.Writable}) {
		t.Fatalf("Readable event not delivered")
	}
	if d.Dispatch(h, dispatcher.Event{FD: 4, Events: dispatcher.Readable}) {
		t.Errorf("Event delivered for unregistered descriptor")
	}
	if len(got) != 1 || got[0].Events != dispatcher.Readable {
		t.Errorf("Expected one readable event, got %+v", got)
	}
}

func TestFakeDispatcherRegisteredDuringSwap(t *testing.T) {
	d := fake.NewDispatcher(nil, 1)
	if err := d.Register(3, dispatcher.Readable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fd := 3
		for i := 0; i < 2000; i++ {
			if err := d.Unregister(fd); err != nil {
				t.Errorf("Unregister failed: %v", err)
				return
			}
			fd++
			if err := d.Register(fd, dispatcher.Readable); err != nil {
				t.Errorf("Register failed: %v", err)
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			return
		default:
		}
		if fds := d.Registered(); len(fds) > 1 {
			t.Fatalf("Expected at most one registered descriptor, got %v", fds)
		}
	}
}
