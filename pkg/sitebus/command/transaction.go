package command

import (
	"time"

	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
)

// Transaction is a snapshot of one command's lifecycle inside the manager.
type Transaction struct {
	CommandID   uint64
	Command     *envelope.Package
	Response    *envelope.Package
	Status      envelope.Status
	IssuedAt    time.Time
	CompletedAt time.Time
}

// Completed reports whether a response has arrived.
func (t Transaction) Completed() bool {
	return t.Status.Terminal()
}

// txn is the live record. A txn may exist before its command is issued when
// a caller starts waiting first; such a waiter-only entry has no command.
type txn struct {
	Transaction
	done chan struct{}
}

func newTxn(id uint64) *txn {
	return &txn{
		Transaction: Transaction{CommandID: id},
		done:        make(chan struct{}),
	}
}

func (t *txn) issued() bool {
	return t.Command != nil
}

// complete attaches the response and wakes every waiter.
func (t *txn) complete(resp *envelope.Package, status envelope.Status, at time.Time) {
	t.Response = resp
	t.Status = status
	t.CompletedAt = at
	close(t.done)
}

// transactions holds open and completed transactions keyed by command ID.
// Entries expire ttl after completion, or after issue when no response
// arrives, and are swept lazily.
// Callers hold the manager lock.
type transactions struct {
	byID      map[uint64]*txn
	ttl       time.Duration
	lastSweep time.Time
}

func newTransactions(ttl time.Duration) *transactions {
	return &transactions{
		byID: make(map[uint64]*txn),
		ttl:  ttl,
	}
}

// entry returns the record for id, creating a waiter-only one if needed.
func (ts *transactions) entry(id uint64) *txn {
	t, ok := ts.byID[id]
	if !ok {
		t = newTxn(id)
		ts.byID[id] = t
	}
	return t
}

// sweep drops completed transactions older than the TTL, and open ones
// whose command was issued more than a TTL ago and never answered. A late
// response to an evicted command fails with ErrUnknownTransaction. It runs
// at most once per quarter TTL.
func (ts *transactions) sweep(now time.Time) {
	if ts.ttl <= 0 || now.Sub(ts.lastSweep) < ts.ttl/4 {
		return
	}
	ts.lastSweep = now
	for id, t := range ts.byID {
		switch {
		case t.Status.Terminal():
			if now.Sub(t.CompletedAt) > ts.ttl {
				delete(ts.byID, id)
			}
		case t.issued():
			if now.Sub(t.IssuedAt) > ts.ttl {
				delete(ts.byID, id)
			}
		}
	}
}

func (ts *transactions) counts() (open, completed int) {
	for _, t := range ts.byID {
		switch {
		case t.Status.Terminal():
			completed++
		case t.issued():
			open++
		}
	}
	return open, completed
}
