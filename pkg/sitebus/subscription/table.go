// Package subscription holds the publisher-keyed subscriber tables used by
// the data and event managers.
package subscription

import (
	"runtime/debug"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/randalmurphal/sitebus/pkg/sitebus/destination"
	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
)

// All is the publisher key that matches packages from every publisher.
const All = ""

// Entry is one subscriber resolved for delivery.
type Entry struct {
	Name       string
	Subscriber destination.Acceptor
}

// Deliver hands pkg to the subscriber. A panic in the subscriber is returned
// as a PanicError and any error is wrapped in a HandlerError naming it.
func (e Entry) Deliver(pkg *envelope.Package) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &buserr.PanicError{Where: e.Name, Value: r, Stack: string(debug.Stack())}
		}
		if err != nil {
			err = &buserr.HandlerError{Where: e.Name, PackageID: pkg.ID, Err: err}
		}
	}()
	return e.Subscriber.Accept(pkg)
}

// SubscriberName picks the name a subscription is stored under: name if set,
// else the subscriber's own Name() if it has one, else a random UUID.
func SubscriberName(sub destination.Acceptor, name string) string {
	if name != "" {
		return name
	}
	if named, ok := sub.(interface{ Name() string }); ok && named.Name() != "" {
		return named.Name()
	}
	return uuid.NewString()
}

// Merge combines match results, keeping the first entry seen for each name,
// and sorts by name.
func Merge(lists ...[]Entry) []Entry {
	seen := make(map[string]struct{})
	var out []Entry
	for _, list := range lists {
		for _, e := range list {
			if _, ok := seen[e.Name]; ok {
				continue
			}
			seen[e.Name] = struct{}{}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Table maps publisher -> subscriber name -> subscriber. A subscriber name
// appears at most once per publisher bucket; Match deduplicates across the
// publisher bucket and the All bucket.
type Table struct {
	mu          sync.RWMutex
	byPublisher map[string]map[string]destination.Acceptor
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		byPublisher: make(map[string]map[string]destination.Acceptor),
	}
}

// Add subscribes name to packages from publisher. Use All for every
// publisher. Adding the same name twice under one publisher replaces the
// earlier subscriber.
func (t *Table) Add(publisher, name string, sub destination.Acceptor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, ok := t.byPublisher[publisher]
	if !ok {
		bucket = make(map[string]destination.Acceptor)
		t.byPublisher[publisher] = bucket
	}
	bucket[name] = sub
}

// Remove drops name from every publisher bucket and reports whether it was
// subscribed anywhere.
func (t *Table) Remove(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := false
	for publisher, bucket := range t.byPublisher {
		if _, ok := bucket[name]; ok {
			delete(bucket, name)
			removed = true
		}
		if len(bucket) == 0 {
			delete(t.byPublisher, publisher)
		}
	}
	return removed
}

// Match returns the subscribers for a package from publisher: the union of
// the publisher's bucket and the All bucket, one entry per name, sorted by
// name. When a name is in both buckets the publisher-specific subscriber wins.
func (t *Table) Match(publisher string) []Entry {
	t.mu.RLock()
	specific := t.byPublisher[publisher]
	wildcard := t.byPublisher[All]

	merged := make(map[string]destination.Acceptor, len(specific)+len(wildcard))
	for name, sub := range wildcard {
		merged[name] = sub
	}
	if publisher != All {
		for name, sub := range specific {
			merged[name] = sub
		}
	}
	t.mu.RUnlock()

	entries := make([]Entry, 0, len(merged))
	for name, sub := range merged {
		entries = append(entries, Entry{Name: name, Subscriber: sub})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries
}

// Names returns every subscribed name, sorted.
func (t *Table) Names() []string {
	t.mu.RLock()
	seen := make(map[string]struct{})
	for _, bucket := range t.byPublisher {
		for name := range bucket {
			seen[name] = struct{}{}
		}
	}
	t.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of (publisher, name) subscriptions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, bucket := range t.byPublisher {
		n += len(bucket)
	}
	return n
}
