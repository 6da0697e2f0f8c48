package fake

import (
	"fmt"
	"strings"
	"sync"
)

// Journal records the operations of the fakes in the order they happened.
// A Dispatcher and a Sockets sharing one Journal give a single timeline of
// register/unregister/close calls.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

// NewJournal creates an empty journal
func NewJournal() *Journal {
	return &Journal{}
}

// Record appends one formatted entry (nil journals are ignored)
func (j *Journal) Record(format string, args ...interface{}) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

// Entries returns a copy of all entries
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

// Filter returns the entries starting with one of the given operation names
func (j *Journal) Filter(ops ...string) []string {
	var out []string
	for _, e := range j.Entries() {
		op, _, _ := strings.Cut(e, " ")
		for _, want := range ops {
			if op == want {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Reset drops all entries
func (j *Journal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = nil
}

// String returns the entries one per line
func (j *Journal) String() string {
	return strings.Join(j.Entries(), "\n")
}
