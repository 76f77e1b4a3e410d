package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stellarlinkco/taskrelay/internal/bus"
	"github.com/stellarlinkco/taskrelay/internal/config"
	"github.com/stellarlinkco/taskrelay/internal/delivery"
)

type deliveryReply struct {
	res *delivery.Result
	err error
}

// fakeDelivery replays queued replies; once the queue is empty it answers OK.
type fakeDelivery struct {
	replies []deliveryReply
	events  []delivery.Event
}

func (f *fakeDelivery) Send(ctx context.Context, ev delivery.Event) (*delivery.Result, error) {
	f.events = append(f.events, ev)
	if len(f.replies) == 0 {
		return &delivery.Result{Status: "OK"}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.res, r.err
}

func (f *fakeDelivery) completes() []delivery.CompleteEvent {
	var out []delivery.CompleteEvent
	for _, ev := range f.events {
		if c, ok := ev.(delivery.CompleteEvent); ok {
			out = append(out, c)
		}
	}
	return out
}

type fakeNotifier struct {
	sent   []bus.OutboundMessage
	nextID int
	err    error
}

func (f *fakeNotifier) Send(msg bus.OutboundMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	f.nextID++
	return fmt.Sprintf("n%d", f.nextID), nil
}

func (f *fakeNotifier) last() bus.OutboundMessage {
	if len(f.sent) == 0 {
		return bus.OutboundMessage{}
	}
	return f.sent[len(f.sent)-1]
}

func createdReply(content, date, clock string) deliveryReply {
	return deliveryReply{res: &delivery.Result{
		Status: "OK",
		Task:   &delivery.TaskDetails{Content: content, Date: date, Time: clock},
	}}
}

func newTestEngine(d *fakeDelivery, n *fakeNotifier) *Engine {
	cfg := config.DefaultConfig().Commands
	return NewEngine(Options{
		Parser:        NewParser(cfg),
		Ledger:        NewNotificationLedger(),
		Delivery:      d,
		Notifier:      n,
		ApprovalEmoji: cfg.ApprovalEmoji,
	})
}

// testScope is the session key of message and reaction events.
const testScope = "telegram:-100"

func message(id, text string) bus.InboundMessage {
	return bus.InboundMessage{
		Kind:       bus.KindMessage,
		Channel:    "telegram",
		ChatID:     "-100",
		MessageID:  id,
		SenderID:   "1",
		SenderName: "alice",
		Content:    text,
	}
}

func reaction(id, text, emoji string) bus.InboundMessage {
	return bus.InboundMessage{
		Kind:       bus.KindReaction,
		Channel:    "telegram",
		ChatID:     "-100",
		MessageID:  id,
		SenderID:   "2",
		SenderName: "bob",
		Content:    text,
		Reaction:   emoji,
	}
}

func TestEngine_IgnoredMessage(t *testing.T) {
	d, n := &fakeDelivery{}, &fakeNotifier{}
	e := newTestEngine(d, n)

	for _, text := range []string{"hello", "", "okay", "what about AA"} {
		if got := e.Handle(context.Background(), message("u1", text)); got != OutcomeIgnored {
			t.Errorf("Handle(%q) = %s, want ignored", text, got)
		}
	}
	if len(d.events) != 0 || len(n.sent) != 0 {
		t.Errorf("ignored messages produced events=%d notices=%d", len(d.events), len(n.sent))
	}
}

func TestEngine_Help(t *testing.T) {
	d, n := &fakeDelivery{}, &fakeNotifier{}
	e := newTestEngine(d, n)

	if got := e.Handle(context.Background(), message("u1", "說明")); got != OutcomeHelp {
		t.Fatalf("outcome = %s, want help", got)
	}
	if len(n.sent) != 1 || n.sent[0].Title != HelpTitle {
		t.Errorf("sent = %+v", n.sent)
	}
	if len(d.events) != 0 {
		t.Error("help must not call the ledger service")
	}
}

func TestEngine_CreateRecordsNotification(t *testing.T) {
	d := &fakeDelivery{replies: []deliveryReply{createdReply("buy milk", "2025/8/1", "14:00:00")}}
	n := &fakeNotifier{}
	e := newTestEngine(d, n)

	if got := e.Handle(context.Background(), message("u1", "AAV5 buy milk @bob")); got != OutcomeCreated {
		t.Fatalf("outcome = %s, want created", got)
	}

	ev, ok := d.events[0].(delivery.TaskEvent)
	if !ok {
		t.Fatalf("event = %T, want TaskEvent", d.events[0])
	}
	want := delivery.TaskEvent{
		Content:         "buy milk",
		Username:        "alice",
		Executor:        "bob",
		RepeatReminder:  true,
		ReminderOffset:  5,
		OriginalContent: "AAV5 buy milk @bob",
	}
	if ev != want {
		t.Errorf("event = %+v, want %+v", ev, want)
	}

	sent := n.last()
	if sent.Title != NotificationTitle || sent.ReplyTo != "u1" || sent.ChatID != "-100" {
		t.Errorf("notice = %+v", sent)
	}
	if len(sent.Actions) != 1 || sent.Actions[0] != "👍" {
		t.Errorf("actions = %v, want approval button", sent.Actions)
	}

	task, ok := e.Ledger().Lookup(testScope, "n1")
	if !ok {
		t.Fatal("confirmation should be recorded in the ledger")
	}
	if task != (TaskRecord{"buy milk", "2025/8/1", "14:00"}) {
		t.Errorf("recorded task = %+v", task)
	}
	last, ok := e.Ledger().Last(testScope)
	if !ok || last.NotificationID != "n1" {
		t.Errorf("last = %+v, %v", last, ok)
	}
}

func TestEngine_CreateFailures(t *testing.T) {
	tests := []struct {
		name  string
		reply deliveryReply
	}{
		{"exhausted retries", deliveryReply{err: delivery.ErrDeliveryFailed}},
		{"non-OK status", deliveryReply{res: &delivery.Result{Status: "ERROR", Message: "bad date"}}},
		{"OK without details", deliveryReply{res: &delivery.Result{Status: "OK"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDelivery{replies: []deliveryReply{tt.reply}}
			n := &fakeNotifier{}
			e := newTestEngine(d, n)

			if got := e.Handle(context.Background(), message("u1", "AA call client")); got != OutcomeCreateFailed {
				t.Fatalf("outcome = %s, want create-failed", got)
			}
			if len(n.sent) != 1 || !strings.Contains(n.sent[0].Content, "任務新增失敗：AA call client") {
				t.Errorf("sent = %+v", n.sent)
			}
			if stats := e.Ledger().Stats(); stats != (LedgerStats{}) {
				t.Errorf("ledger mutated on failure: %+v", stats)
			}
		})
	}
}

func TestEngine_DuplicateConfirmationSuppressed(t *testing.T) {
	d := &fakeDelivery{replies: []deliveryReply{
		createdReply("buy milk", "2025/8/1", "14:00"),
		createdReply("buy milk", "2025/8/1", "14:00"),
	}}
	n := &fakeNotifier{}
	e := newTestEngine(d, n)

	first := e.Handle(context.Background(), message("u1", "AA buy milk"))
	second := e.Handle(context.Background(), message("u2", "AA buy milk"))
	if first != OutcomeCreated || second != OutcomeSuppressed {
		t.Fatalf("outcomes = %s, %s", first, second)
	}
	if len(n.sent) != 1 {
		t.Errorf("notices = %d, want 1", len(n.sent))
	}
}

func TestEngine_NotifyFailureReleasesFingerprint(t *testing.T) {
	d := &fakeDelivery{replies: []deliveryReply{
		createdReply("buy milk", "2025/8/1", "14:00"),
		createdReply("buy milk", "2025/8/1", "14:00"),
	}}
	n := &fakeNotifier{err: errors.New("telegram down")}
	e := newTestEngine(d, n)

	if got := e.Handle(context.Background(), message("u1", "AA buy milk")); got != OutcomeNotifyFailed {
		t.Fatalf("outcome = %s, want notify-failed", got)
	}
	n.err = nil
	if got := e.Handle(context.Background(), message("u2", "AA buy milk")); got != OutcomeCreated {
		t.Errorf("retry outcome = %s, want created", got)
	}
}

func TestEngine_CompletionViaReplyToRecorded(t *testing.T) {
	d := &fakeDelivery{replies: []deliveryReply{createdReply("buy milk", "2025/8/1", "14:00")}}
	n := &fakeNotifier{}
	e := newTestEngine(d, n)
	e.Handle(context.Background(), message("u1", "AA buy milk"))

	ok := message("u2", "OK")
	ok.SenderName = "bob"
	ok.ReplyTo = &bus.Reference{MessageID: "n1", Content: "unrelated text"}

	if got := e.Handle(context.Background(), ok); got != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", got)
	}
	completes := d.completes()
	if len(completes) != 1 {
		t.Fatalf("complete events = %d, want 1", len(completes))
	}
	want := delivery.CompleteEvent{Date: "2025/8/1", Time: "14:00", Content: "buy milk", Username: "bob"}
	if completes[0] != want {
		t.Errorf("complete = %+v, want %+v", completes[0], want)
	}
	if _, found := e.Ledger().Lookup(testScope, "n1"); found {
		t.Error("completed notification should be removed from the ledger")
	}
	if _, found := e.Ledger().Last(testScope); found {
		t.Error("last should be cleared after its task completed")
	}
	if !strings.Contains(n.last().Content, "已完成") {
		t.Errorf("last notice = %q, want completion acknowledgement", n.last().Content)
	}
}

func TestEngine_CompletionReplyFallsBackToText(t *testing.T) {
	d, n := &fakeDelivery{}, &fakeNotifier{}
	e := newTestEngine(d, n)

	ok := message("u2", "ok")
	ok.ReplyTo = &bus.Reference{
		MessageID: "old-42",
		Content:   "待辦事項通知\n事項：「Submit report」（備註：週報）預定於 2025/8/1 14:00:00",
	}
	if got := e.Handle(context.Background(), ok); got != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", got)
	}
	c := d.completes()[0]
	if c.Content != "Submit report" || c.Date != "2025/8/1" || c.Time != "14:00" {
		t.Errorf("complete = %+v", c)
	}
}

func TestEngine_CompletionUsesLastWithoutReference(t *testing.T) {
	d := &fakeDelivery{replies: []deliveryReply{
		createdReply("first", "2025/8/1", "09:00"),
		createdReply("second", "2025/8/1", "10:00"),
	}}
	n := &fakeNotifier{}
	e := newTestEngine(d, n)
	e.Handle(context.Background(), message("u1", "AA first"))
	e.Handle(context.Background(), message("u2", "AA second"))

	if got := e.Handle(context.Background(), message("u3", "ok")); got != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", got)
	}
	if c := d.completes()[0]; c.Content != "second" {
		t.Errorf("completed %q, want the most recent notification", c.Content)
	}
	if _, found := e.Ledger().Lookup(testScope, "n1"); !found {
		t.Error("older notification should stay recorded")
	}
}

func TestEngine_CompletionInAnotherChatIsUnresolved(t *testing.T) {
	d := &fakeDelivery{replies: []deliveryReply{createdReply("chat A task", "2025/8/1", "14:00")}}
	n := &fakeNotifier{}
	e := newTestEngine(d, n)
	e.Handle(context.Background(), message("u1", "AA chat A task"))

	other := message("u2", "ok")
	other.ChatID = "-999"
	if got := e.Handle(context.Background(), other); got != OutcomeUnresolved {
		t.Fatalf("outcome = %s, want unresolved", got)
	}
	if len(d.completes()) != 0 {
		t.Errorf("completes = %+v, want none", d.completes())
	}
	if last := n.last(); last.ChatID != "-999" || !strings.Contains(last.Content, "無法識別任務") {
		t.Errorf("notice = %+v", last)
	}
	if _, found := e.Ledger().Last(testScope); !found {
		t.Error("chat A's notification should stay pending")
	}
}

func TestEngine_SameTaskInTwoChatsConfirmsBoth(t *testing.T) {
	d := &fakeDelivery{replies: []deliveryReply{
		createdReply("standup", "2025/8/1", "09:00"),
		createdReply("standup", "2025/8/1", "09:00"),
	}}
	n := &fakeNotifier{}
	e := newTestEngine(d, n)

	first := message("u1", "AA standup")
	second := message("u1", "AA standup")
	second.ChatID = "-200"
	if got := e.Handle(context.Background(), first); got != OutcomeCreated {
		t.Fatalf("first outcome = %s", got)
	}
	if got := e.Handle(context.Background(), second); got != OutcomeCreated {
		t.Fatalf("second outcome = %s, want created in its own chat", got)
	}
	if _, ok := e.Ledger().Lookup("telegram:-200", "n2"); !ok {
		t.Error("second chat's notification should be recorded under its own chat")
	}
}

func TestEngine_CompletionWithEmptyLedgerMakesNoCall(t *testing.T) {
	d, n := &fakeDelivery{}, &fakeNotifier{}
	e := newTestEngine(d, n)

	if got := e.Handle(context.Background(), message("u1", "ok")); got != OutcomeUnresolved {
		t.Fatalf("outcome = %s, want unresolved", got)
	}
	if len(d.events) != 0 {
		t.Errorf("delivery calls = %d, want 0", len(d.events))
	}
	if len(n.sent) != 1 || !strings.Contains(n.sent[0].Content, "無法識別任務") {
		t.Errorf("sent = %+v", n.sent)
	}
}

func TestEngine_CompletionReplyToUnknownMessage(t *testing.T) {
	d := &fakeDelivery{replies: []deliveryReply{createdReply("buy milk", "2025/8/1", "14:00")}}
	n := &fakeNotifier{}
	e := newTestEngine(d, n)
	e.Handle(context.Background(), message("u1", "AA buy milk"))

	ok := message("u2", "ok")
	ok.ReplyTo = &bus.Reference{MessageID: "u1", Content: "AA buy milk"}
	if got := e.Handle(context.Background(), ok); got != OutcomeUnresolved {
		t.Fatalf("outcome = %s, want unresolved (a reply never falls back to last)", got)
	}
	if len(d.completes()) != 0 {
		t.Error("no complete event expected")
	}
}

func TestEngine_ReactionOnRecordedNotification(t *testing.T) {
	d := &fakeDelivery{replies: []deliveryReply{createdReply("buy milk", "2025/8/1", "14:00")}}
	n := &fakeNotifier{}
	e := newTestEngine(d, n)
	e.Handle(context.Background(), message("u1", "AA buy milk"))

	if got := e.Handle(context.Background(), reaction("n1", "待辦事項通知", "👍")); got != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", got)
	}
	c := d.completes()[0]
	if c.Content != "buy milk" || c.Username != "bob" {
		t.Errorf("complete = %+v", c)
	}
	if _, found := e.Ledger().Lookup(testScope, "n1"); found {
		t.Error("notification should be removed")
	}
}

func TestEngine_ReactionOnUnregisteredNotification(t *testing.T) {
	d, n := &fakeDelivery{}, &fakeNotifier{}
	e := newTestEngine(d, n)

	text := "待辦事項通知\n事項：「Submit report」\n預定於 2025/8/1 14:00:00"
	if got := e.Handle(context.Background(), reaction("old-7", text, "👍")); got != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", got)
	}
	c := d.completes()[0]
	if c != (delivery.CompleteEvent{Date: "2025/8/1", Time: "14:00", Content: "Submit report", Username: "bob"}) {
		t.Errorf("complete = %+v", c)
	}
}

func TestEngine_ReactionNeverUsesLast(t *testing.T) {
	d := &fakeDelivery{replies: []deliveryReply{createdReply("buy milk", "2025/8/1", "14:00")}}
	n := &fakeNotifier{}
	e := newTestEngine(d, n)
	e.Handle(context.Background(), message("u1", "AA buy milk"))

	if got := e.Handle(context.Background(), reaction("u1", "AA buy milk", "👍")); got != OutcomeUnresolved {
		t.Fatalf("outcome = %s, want unresolved", got)
	}
	if _, found := e.Ledger().Last(testScope); !found {
		t.Error("last must be untouched")
	}
}

func TestEngine_OtherReactionIgnored(t *testing.T) {
	d, n := &fakeDelivery{}, &fakeNotifier{}
	e := newTestEngine(d, n)

	if got := e.Handle(context.Background(), reaction("n1", "事項：「x」預定於 2025/8/1 14:00", "❤️")); got != OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", got)
	}
	if len(d.events) != 0 || len(n.sent) != 0 {
		t.Error("non-approval reaction must have no effect")
	}
}

func TestEngine_DuplicateCompletionNoticeSuppressed(t *testing.T) {
	d, n := &fakeDelivery{}, &fakeNotifier{}
	e := newTestEngine(d, n)

	text := "事項：「Submit report」預定於 2025/8/1 14:00"
	first := e.Handle(context.Background(), reaction("old-7", text, "👍"))
	second := e.Handle(context.Background(), reaction("old-7", text, "👍"))

	if first != OutcomeCompleted || second != OutcomeSuppressed {
		t.Fatalf("outcomes = %s, %s", first, second)
	}
	if len(n.sent) != 1 {
		t.Errorf("notices = %d, want 1", len(n.sent))
	}
}

func TestEngine_CompletionServiceRejects(t *testing.T) {
	tests := []struct {
		name  string
		reply deliveryReply
	}{
		{"non-OK", deliveryReply{res: &delivery.Result{Status: "NOT_FOUND"}}},
		{"exhausted", deliveryReply{err: delivery.ErrDeliveryFailed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDelivery{replies: []deliveryReply{createdReply("buy milk", "2025/8/1", "14:00"), tt.reply}}
			n := &fakeNotifier{}
			e := newTestEngine(d, n)
			e.Handle(context.Background(), message("u1", "AA buy milk"))

			if got := e.Handle(context.Background(), reaction("n1", "", "👍")); got != OutcomeCompleteFailed {
				t.Fatalf("outcome = %s, want complete-failed", got)
			}
			if !strings.Contains(n.last().Content, "無法刪除任務：buy milk (2025/8/1 14:00)") {
				t.Errorf("notice = %q", n.last().Content)
			}
			if _, found := e.Ledger().Lookup(testScope, "n1"); !found {
				t.Error("failed completion must keep the ledger entry")
			}
		})
	}
}

func TestEngine_CreateThenReactOnRenderedText(t *testing.T) {
	// A restart loses the ledger; the rendered confirmation still resolves.
	d := &fakeDelivery{replies: []deliveryReply{createdReply("call client（備註：urgent）", "2025/9/9", "09:15:00")}}
	n := &fakeNotifier{}
	e := newTestEngine(d, n)
	e.Handle(context.Background(), message("u1", "AA call client"))

	rendered := n.last()
	text := rendered.Title + "\n" + rendered.Content

	restarted := newTestEngine(d, n)
	if got := restarted.Handle(context.Background(), reaction("n1", text, "👍")); got != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", got)
	}
	c := d.completes()[0]
	if c.Content != "call client" || c.Date != "2025/9/9" || c.Time != "09:15" {
		t.Errorf("complete = %+v", c)
	}
}

func TestEngine_MentionResolution(t *testing.T) {
	d := &fakeDelivery{replies: []deliveryReply{createdReply("ship it", "2025/8/1", "14:00")}}
	n := &fakeNotifier{}
	cfg := config.DefaultConfig().Commands
	e := NewEngine(Options{
		Parser:        NewParser(cfg),
		Delivery:      d,
		Notifier:      n,
		Members:       &fakeMembers{names: map[string]string{"99": "Dana"}},
		ApprovalEmoji: cfg.ApprovalEmoji,
	})

	e.Handle(context.Background(), message("u1", "AA <@99> ship it"))
	ev := d.events[0].(delivery.TaskEvent)
	if ev.Executor != "Dana" || ev.Content != "ship it" {
		t.Errorf("event = %+v", ev)
	}
}
