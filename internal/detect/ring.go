package detect

import (
	"sync"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// ring keeps the last N emitted opportunities for the API surface.
type ring struct {
	mu    sync.Mutex
	buf   []domain.Opportunity
	next  int
	count int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 100
	}
	return &ring{buf: make([]domain.Opportunity, size)}
}

func (r *ring) add(o domain.Opportunity) {
	r.mu.Lock()
	r.buf[r.next] = o
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// recent returns up to limit entries, newest first.
func (r *ring) recent(limit int) []domain.Opportunity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]domain.Opportunity, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
