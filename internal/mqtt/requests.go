package mqtt

import (
	"sync"

	"github.com/google/uuid"
)

// requestKind tells which twin operation a response answers
type requestKind int

const (
	requestGetTwin requestKind = iota + 1
	requestReportState
)

func (k requestKind) String() string {
	switch k {
	case requestGetTwin:
		return "get-twin"
	case requestReportState:
		return "report-state"
	}
	return "unknown"
}

// Requests correlates twin requests with their responses by request id.
// The publisher adds, the subscriber takes.
type Requests struct {
	mu      sync.Mutex
	pending map[string]requestKind
}

// NewRequests creates an empty request tracker
func NewRequests() *Requests {
	return &Requests{pending: make(map[string]requestKind)}
}

func (r *Requests) add(kind requestKind) string {
	rid := uuid.NewString()
	r.mu.Lock()
	r.pending[rid] = kind
	r.mu.Unlock()
	return rid
}

func (r *Requests) take(rid string) (requestKind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind, ok := r.pending[rid]
	if ok {
		delete(r.pending, rid)
	}
	return kind, ok
}

func (r *Requests) drop(rid string) {
	r.mu.Lock()
	delete(r.pending, rid)
	r.mu.Unlock()
}
