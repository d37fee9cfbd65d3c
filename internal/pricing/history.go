package pricing

import (
	"sync"

	"ecobridge/internal/domain"
)

// HistoryBook keeps a bounded in-memory trade history per product. It backs
// the effective-volume computation without a database round trip on the
// trade path; the database remains the durable copy.
type HistoryBook struct {
	mu       sync.RWMutex
	records  map[domain.ProductKey][]domain.HistoryRecord
	capacity int
}

// NewHistoryBook bounds each product's history at capacity records; the
// oldest records are dropped first.
func NewHistoryBook(capacity int) *HistoryBook {
	return &HistoryBook{
		records:  make(map[domain.ProductKey][]domain.HistoryRecord),
		capacity: capacity,
	}
}

// Append adds one observation for a product.
func (h *HistoryBook) Append(key domain.ProductKey, rec domain.HistoryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	recs := append(h.records[key], rec)
	if len(recs) > h.capacity {
		recs = recs[len(recs)-h.capacity:]
	}
	h.records[key] = recs
}

// Records returns a copy of a product's history, oldest first.
func (h *HistoryBook) Records(key domain.ProductKey) []domain.HistoryRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	recs := h.records[key]
	out := make([]domain.HistoryRecord, len(recs))
	copy(out, recs)
	return out
}

// Prune drops records older than the cutoff across all products.
func (h *HistoryBook) Prune(before int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, recs := range h.records {
		i := 0
		for i < len(recs) && recs[i].Timestamp < before {
			i++
		}
		if i == 0 {
			continue
		}
		if i == len(recs) {
			delete(h.records, key)
			continue
		}
		h.records[key] = append([]domain.HistoryRecord(nil), recs[i:]...)
	}
}

// Seed replaces a product's history wholesale (startup warm-up from the
// database).
func (h *HistoryBook) Seed(key domain.ProductKey, recs []domain.HistoryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(recs) > h.capacity {
		recs = recs[len(recs)-h.capacity:]
	}
	h.records[key] = append([]domain.HistoryRecord(nil), recs...)
}
