package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ErrDuplicateNotification is returned when a notification id is recorded twice.
var ErrDuplicateNotification = errors.New("notification already recorded")

// Fingerprint identifies a rendered notification for deduplication.
type Fingerprint uint64

func NewFingerprint(text, date, clock string) Fingerprint {
	d := xxhash.New()
	d.WriteString(text)
	d.WriteString("\x00")
	d.WriteString(date)
	d.WriteString("\x00")
	d.WriteString(clock)
	return Fingerprint(d.Sum64())
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// LastNotification is the most recently recorded entry of a scope.
type LastNotification struct {
	NotificationID string
	Task           TaskRecord
}

// entryKey scopes a notification id to the chat it was sent to; platform
// message ids are only unique within one chat.
type entryKey struct {
	scope string
	id    string
}

type seenKey struct {
	scope string
	fp    Fingerprint
}

type ledgerEntry struct {
	task        TaskRecord
	fingerprint Fingerprint
	hasPrint    bool
}

// LedgerStats is a point-in-time size report.
type LedgerStats struct {
	Entries      int  `json:"entries"`
	Fingerprints int  `json:"fingerprints"`
	Scopes       int  `json:"scopes"`
	HasLast      bool `json:"hasLast"`
}

// NotificationLedger maps sent notification ids to the tasks they announce,
// tracks the latest one and remembers fingerprints already rendered. Every
// operation is scoped to one chat (the session key of the event), so a
// signal in one chat never resolves a task announced in another. The ledger
// lives for the process lifetime and grows without eviction.
type NotificationLedger struct {
	mu      sync.Mutex
	entries map[entryKey]ledgerEntry
	last    map[string]LastNotification
	seen    map[seenKey]struct{}
}

func NewNotificationLedger() *NotificationLedger {
	return &NotificationLedger{
		entries: make(map[entryKey]ledgerEntry),
		last:    make(map[string]LastNotification),
		seen:    make(map[seenKey]struct{}),
	}
}

// Record registers id -> task in scope and makes it the scope's last
// notification. fp, when non-nil, is the fingerprint released again by Remove.
func (l *NotificationLedger) Record(scope, id string, task TaskRecord, fp *Fingerprint) error {
	if id == "" {
		return fmt.Errorf("record notification: empty id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := entryKey{scope: scope, id: id}
	if _, ok := l.entries[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNotification, id)
	}
	entry := ledgerEntry{task: task}
	if fp != nil {
		entry.fingerprint = *fp
		entry.hasPrint = true
	}
	l.entries[key] = entry
	l.last[scope] = LastNotification{NotificationID: id, Task: task}
	return nil
}

func (l *NotificationLedger) Lookup(scope, id string) (TaskRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[entryKey{scope: scope, id: id}]
	return entry.task, ok
}

func (l *NotificationLedger) Last(scope string) (LastNotification, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.last[scope]
	return last, ok
}

// Remove drops id and its fingerprint. Removing the last notification clears
// the pointer rather than rewinding it. Unknown ids are a no-op.
func (l *NotificationLedger) Remove(scope, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := entryKey{scope: scope, id: id}
	entry, ok := l.entries[key]
	if !ok {
		return
	}
	delete(l.entries, key)
	if entry.hasPrint {
		delete(l.seen, seenKey{scope: scope, fp: entry.fingerprint})
	}
	if last, ok := l.last[scope]; ok && last.NotificationID == id {
		delete(l.last, scope)
	}
}

func (l *NotificationLedger) Seen(scope string, fp Fingerprint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[seenKey{scope: scope, fp: fp}]
	return ok
}

func (l *NotificationLedger) MarkSeen(scope string, fp Fingerprint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[seenKey{scope: scope, fp: fp}] = struct{}{}
}

// Claim is Seen followed by MarkSeen under one lock. It reports false when fp
// was already claimed in scope.
func (l *NotificationLedger) Claim(scope string, fp Fingerprint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := seenKey{scope: scope, fp: fp}
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = struct{}{}
	return true
}

// Release forgets fp, for a claim whose notification was never sent.
func (l *NotificationLedger) Release(scope string, fp Fingerprint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, seenKey{scope: scope, fp: fp})
}

func (l *NotificationLedger) Stats() LedgerStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	scopes := make(map[string]struct{}, len(l.last))
	for key := range l.entries {
		scopes[key.scope] = struct{}{}
	}
	return LedgerStats{
		Entries:      len(l.entries),
		Fingerprints: len(l.seen),
		Scopes:       len(scopes),
		HasLast:      len(l.last) > 0,
	}
}
