// Copyright 2024-2026 Aiku AI

package appservice

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// TransactionDeduplicator tracks which transaction IDs have been fully
// processed so homeserver retries are acknowledged without reprocessing.
//
// Completed records are bounded both by count and by a retention window.
// Evicting them accepts a small window of non-idempotence against very stale
// retried transactions; homeservers retry with short backoff, not after the
// retention horizon.
type TransactionDeduplicator struct {
	log zerolog.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{}
	// completed maps txn_id to its completion time, evicted LRU-by-recency
	// once maxRecords is exceeded or the retention window elapses.
	completed *expirable.LRU[string, time.Time]
}

// NewTransactionDeduplicator creates a deduplicator keeping at most
// maxRecords completed-transaction records for up to retention each.
func NewTransactionDeduplicator(maxRecords int, retention time.Duration, log zerolog.Logger) *TransactionDeduplicator {
	return &TransactionDeduplicator{
		log:       log.With().Str("component", "txn_dedup").Logger(),
		inflight:  make(map[string]chan struct{}),
		completed: expirable.NewLRU[string, time.Time](maxRecords, nil, retention),
	}
}

// Begin observes a transaction ID and decides how intake should proceed:
//
//   - first == true: this is the first observation, process the transaction.
//     The caller owns the in-flight claim and must call Complete or Abort.
//   - first == false, inflight == nil: the transaction was already fully
//     processed; replay the success acknowledgment without reprocessing.
//   - first == false, inflight != nil: another intake of the same ID is in
//     flight. Wait for the channel to close, then call Begin again: if the
//     other attempt completed the record is found, if it was aborted this
//     caller takes over.
func (d *TransactionDeduplicator) Begin(txnID string) (first bool, inflight <-chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, done := d.completed.Get(txnID); done {
		return false, nil
	}
	if ch, ok := d.inflight[txnID]; ok {
		return false, ch
	}
	ch := make(chan struct{})
	d.inflight[txnID] = ch
	return true, nil
}

// Complete records successful full processing of the transaction. Only after
// this call may eviction consider the record stale.
func (d *TransactionDeduplicator) Complete(txnID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completed.Add(txnID, time.Now())
	d.release(txnID)
}

// Abort drops the in-flight claim without recording completion, so a retry
// from the homeserver is treated as unseen rather than silently lost. Called
// on cancellation or routing failure.
func (d *TransactionDeduplicator) Abort(txnID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release(txnID)
}

func (d *TransactionDeduplicator) release(txnID string) {
	if ch, ok := d.inflight[txnID]; ok {
		close(ch)
		delete(d.inflight, txnID)
	}
}

// Seen reports whether the transaction has been fully processed and its
// record is still retained.
func (d *TransactionDeduplicator) Seen(txnID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed.Contains(txnID)
}

// Len returns the number of retained completed-transaction records.
func (d *TransactionDeduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed.Len()
}
