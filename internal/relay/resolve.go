package relay

import "github.com/stellarlinkco/taskrelay/internal/bus"

// signal is a completion request: a keyword message, optionally replying to
// an earlier message, or an approval on a notification (target). scope is the
// chat it came from; ledger lookups never leave it.
type signal struct {
	scope     string
	text      string
	reference *bus.Reference
	target    *bus.Reference
}

type resolution struct {
	task TaskRecord
	// notificationID is the ledger entry to remove once the task is completed.
	notificationID string
	strategy       string
}

type resolutionStrategy struct {
	name    string
	resolve func(sig signal) (resolution, bool)
}

// defaultStrategies lists the resolution order; the first hit wins.
func defaultStrategies(ledger *NotificationLedger) []resolutionStrategy {
	return []resolutionStrategy{
		{
			name: "reference-ledger",
			resolve: func(sig signal) (resolution, bool) {
				if sig.reference == nil {
					return resolution{}, false
				}
				task, ok := ledger.Lookup(sig.scope, sig.reference.MessageID)
				return resolution{task: task, notificationID: sig.reference.MessageID}, ok
			},
		},
		{
			name: "reference-text",
			resolve: func(sig signal) (resolution, bool) {
				if sig.reference == nil {
					return resolution{}, false
				}
				task, ok := ExtractTask(sig.reference.Content)
				return resolution{task: task}, ok
			},
		},
		{
			name: "target-ledger",
			resolve: func(sig signal) (resolution, bool) {
				if sig.target == nil {
					return resolution{}, false
				}
				task, ok := ledger.Lookup(sig.scope, sig.target.MessageID)
				return resolution{task: task, notificationID: sig.target.MessageID}, ok
			},
		},
		{
			name: "last",
			resolve: func(sig signal) (resolution, bool) {
				if sig.reference != nil || sig.target != nil {
					return resolution{}, false
				}
				last, ok := ledger.Last(sig.scope)
				return resolution{task: last.Task, notificationID: last.NotificationID}, ok
			},
		},
		{
			name: "own-text",
			resolve: func(sig signal) (resolution, bool) {
				text := sig.text
				if sig.target != nil {
					text = sig.target.Content
				}
				task, ok := ExtractTask(text)
				return resolution{task: task}, ok
			},
		},
	}
}
