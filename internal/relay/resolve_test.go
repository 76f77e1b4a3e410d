package relay

import (
	"testing"

	"github.com/stellarlinkco/taskrelay/internal/bus"
)

const renderedNotice = "待辦事項通知\n✅ 已新增待辦事項\n事項：「call bank」\n預定於 2025/8/2 09:30"

func TestDefaultStrategies_Order(t *testing.T) {
	recorded := TaskRecord{Content: "buy milk", Date: "2025/8/1", Time: "14:00"}
	latest := TaskRecord{Content: "latest", Date: "2025/8/3", Time: "10:00"}
	fromText := TaskRecord{Content: "call bank", Date: "2025/8/2", Time: "09:30"}

	tests := []struct {
		name     string
		sig      signal
		strategy string
		task     TaskRecord
		notifID  string
		ok       bool
	}{
		{
			name:     "reply to recorded notification",
			sig:      signal{scope: testScope, text: "ok", reference: &bus.Reference{MessageID: "n1", Content: renderedNotice}},
			strategy: "reference-ledger", task: recorded, notifID: "n1", ok: true,
		},
		{
			name:     "reply to unrecorded notification text",
			sig:      signal{scope: testScope, text: "ok", reference: &bus.Reference{MessageID: "old", Content: renderedNotice}},
			strategy: "reference-text", task: fromText, ok: true,
		},
		{
			name:     "approval on recorded notification",
			sig:      signal{scope: testScope, target: &bus.Reference{MessageID: "n1"}},
			strategy: "target-ledger", task: recorded, notifID: "n1", ok: true,
		},
		{
			name:     "approval falls back to notification text",
			sig:      signal{scope: testScope, target: &bus.Reference{MessageID: "old", Content: renderedNotice}},
			strategy: "own-text", task: fromText, ok: true,
		},
		{
			name:     "bare keyword uses last",
			sig:      signal{scope: testScope, text: "ok"},
			strategy: "last", task: latest, notifID: "n2", ok: true,
		},
		{
			name: "reply to a notification id from another chat",
			sig:  signal{scope: testScope, text: "ok", reference: &bus.Reference{MessageID: "n3", Content: "lunch?"}},
		},
		{
			name: "approval on a notification id from another chat",
			sig:  signal{scope: testScope, target: &bus.Reference{MessageID: "n3"}},
		},
		{
			name: "reply to plain chatter",
			sig:  signal{scope: testScope, text: "ok", reference: &bus.Reference{MessageID: "x", Content: "lunch?"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := NewNotificationLedger()
			ledger.Record(testScope, "n1", recorded, nil)
			ledger.Record(testScope, "n2", latest, nil)
			ledger.Record("telegram:-999", "n3", TaskRecord{Content: "elsewhere", Date: "2025/9/9", Time: "09:00"}, nil)
			e := NewEngine(Options{Parser: newTestParser(""), Ledger: ledger})

			res, ok := e.resolve(tt.sig)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v (res %+v)", ok, tt.ok, res)
			}
			if !ok {
				return
			}
			if res.strategy != tt.strategy {
				t.Errorf("strategy = %q, want %q", res.strategy, tt.strategy)
			}
			if res.task != tt.task {
				t.Errorf("task = %+v, want %+v", res.task, tt.task)
			}
			if res.notificationID != tt.notifID {
				t.Errorf("notificationID = %q, want %q", res.notificationID, tt.notifID)
			}
		})
	}
}

func TestDefaultStrategies_EmptyLedger(t *testing.T) {
	e := NewEngine(Options{Parser: newTestParser("")})
	if res, ok := e.resolve(signal{scope: testScope, text: "ok"}); ok {
		t.Errorf("resolved %+v on empty ledger", res)
	}
}

func TestDefaultStrategies_LastIsPerChat(t *testing.T) {
	ledger := NewNotificationLedger()
	ledger.Record("telegram:-100", "n1", TaskRecord{Content: "chat A task", Date: "2025/8/1", Time: "14:00"}, nil)
	e := NewEngine(Options{Parser: newTestParser(""), Ledger: ledger})

	if res, ok := e.resolve(signal{scope: "telegram:-999", text: "ok"}); ok {
		t.Errorf("bare keyword in another chat resolved %+v", res)
	}
	if res, ok := e.resolve(signal{scope: "telegram:-100", text: "ok"}); !ok || res.notificationID != "n1" {
		t.Errorf("bare keyword in the same chat = %+v, %v", res, ok)
	}
}
