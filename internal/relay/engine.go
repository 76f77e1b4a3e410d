package relay

import (
	"context"
	"log"

	"github.com/stellarlinkco/taskrelay/internal/bus"
	"github.com/stellarlinkco/taskrelay/internal/delivery"
	"github.com/stellarlinkco/taskrelay/internal/textutil"
)

// Deliverer forwards events to the ledger service. A nil Result with an error
// means the outcome on the service side is unknown.
type Deliverer interface {
	Send(ctx context.Context, ev delivery.Event) (*delivery.Result, error)
}

// Notifier posts a message to a chat and returns the platform message id.
type Notifier interface {
	Send(msg bus.OutboundMessage) (string, error)
}

// Outcome summarizes how an inbound event was handled.
type Outcome string

const (
	OutcomeIgnored        Outcome = "ignored"
	OutcomeHelp           Outcome = "help"
	OutcomeCreated        Outcome = "created"
	OutcomeCreateFailed   Outcome = "create-failed"
	OutcomeCompleted      Outcome = "completed"
	OutcomeCompleteFailed Outcome = "complete-failed"
	OutcomeUnresolved     Outcome = "unresolved"
	OutcomeSuppressed     Outcome = "suppressed"
	OutcomeNotifyFailed   Outcome = "notify-failed"
)

type Options struct {
	Parser        *Parser
	Ledger        *NotificationLedger
	Delivery      Deliverer
	Notifier      Notifier
	Members       MemberResolver
	ApprovalEmoji string
}

// Engine turns chat events into ledger service calls and keeps the
// notification ledger in step. Handle is meant to be called from one
// goroutine at a time.
type Engine struct {
	parser        *Parser
	ledger        *NotificationLedger
	delivery      Deliverer
	notifier      Notifier
	members       MemberResolver
	approvalEmoji string
	strategies    []resolutionStrategy
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		parser:        opts.Parser,
		ledger:        opts.Ledger,
		delivery:      opts.Delivery,
		notifier:      opts.Notifier,
		members:       opts.Members,
		approvalEmoji: opts.ApprovalEmoji,
	}
	if e.ledger == nil {
		e.ledger = NewNotificationLedger()
	}
	e.strategies = defaultStrategies(e.ledger)
	return e
}

func (e *Engine) Ledger() *NotificationLedger {
	return e.ledger
}

func (e *Engine) Handle(ctx context.Context, ev bus.InboundMessage) Outcome {
	if ev.Kind == bus.KindReaction {
		return e.handleReaction(ctx, ev)
	}
	return e.handleMessage(ctx, ev)
}

func (e *Engine) handleMessage(ctx context.Context, ev bus.InboundMessage) Outcome {
	cmd := e.parser.Parse(ev.Content)
	switch cmd.Kind {
	case CommandHelp:
		log.Printf("[relay] help requested by %s", ev.SenderName)
		if _, err := e.notify(ev, RenderHelp(e.parser, e.approvalEmoji), nil); err != nil {
			return OutcomeNotifyFailed
		}
		return OutcomeHelp
	case CommandCompletion:
		sig := signal{scope: ev.SessionKey(), text: ev.Content, reference: ev.ReplyTo}
		return e.complete(ctx, ev, sig)
	case CommandCreate:
		return e.create(ctx, ev, cmd)
	default:
		log.Printf("[relay] ignored message from %s: %s", ev.SenderName, textutil.Truncate(ev.Content, 80))
		return OutcomeIgnored
	}
}

func (e *Engine) handleReaction(ctx context.Context, ev bus.InboundMessage) Outcome {
	if e.approvalEmoji != "" && ev.Reaction != e.approvalEmoji {
		log.Printf("[relay] ignored reaction %q on %s", ev.Reaction, ev.MessageID)
		return OutcomeIgnored
	}
	log.Printf("[relay] approval by %s on message %s", ev.SenderName, ev.MessageID)
	sig := signal{
		scope:  ev.SessionKey(),
		text:   ev.Content,
		target: &bus.Reference{MessageID: ev.MessageID, Content: ev.Content},
	}
	return e.complete(ctx, ev, sig)
}

func (e *Engine) create(ctx context.Context, ev bus.InboundMessage, cmd Command) Outcome {
	intent := e.parser.Intent(ctx, cmd, ev.SenderName, ev.Channel, ev.ChatID, e.members)
	log.Printf("[relay] create from %s: content=%q executor=%q repeat=%v lead=%d",
		intent.Requester, intent.Content, intent.Executor, intent.Repeat, intent.LeadMinutes)

	res, err := e.delivery.Send(ctx, delivery.TaskEvent{
		Content:         intent.Content,
		Username:        intent.Requester,
		Executor:        intent.Executor,
		RepeatReminder:  intent.Repeat,
		ReminderOffset:  intent.LeadMinutes,
		OriginalContent: intent.RawText,
	})
	if err != nil || !res.OK() || res.Task == nil {
		log.Printf("[relay] create failed for %q: result=%+v err=%v", textutil.Truncate(intent.RawText, 80), res, err)
		if _, nerr := e.notify(ev, RenderCreateFailure(intent.RawText), nil); nerr != nil {
			return OutcomeNotifyFailed
		}
		return OutcomeCreateFailed
	}

	task := TaskRecord{Content: res.Task.Content, Date: res.Task.Date, Time: res.Task.Time}.Normalize()
	notice := RenderConfirmation(task, intent, res.Message)
	scope := ev.SessionKey()
	fp := NewFingerprint(notice.Text(), task.Date, task.Time)
	if !e.ledger.Claim(scope, fp) {
		log.Printf("[relay] duplicate confirmation %s suppressed: %+v", fp, task)
		return OutcomeSuppressed
	}

	id, err := e.notify(ev, notice, e.approvalActions())
	if err != nil {
		e.ledger.Release(scope, fp)
		return OutcomeNotifyFailed
	}
	if err := e.ledger.Record(scope, id, task, &fp); err != nil {
		log.Printf("[relay] record notification %s warning: %v", id, err)
	} else {
		log.Printf("[relay] recorded notification %s -> %+v", id, task)
	}
	return OutcomeCreated
}

func (e *Engine) complete(ctx context.Context, ev bus.InboundMessage, sig signal) Outcome {
	res, ok := e.resolve(sig)
	if !ok {
		log.Printf("[relay] no task matched signal from %s (message %s, reply %v)", ev.SenderName, ev.MessageID, sig.reference != nil)
		if _, err := e.notify(ev, RenderUnrecognized(), nil); err != nil {
			return OutcomeNotifyFailed
		}
		return OutcomeUnresolved
	}

	task := res.task.Normalize()
	log.Printf("[relay] completion resolved via %s: %+v", res.strategy, task)

	result, err := e.delivery.Send(ctx, delivery.CompleteEvent{
		Date:     task.Date,
		Time:     task.Time,
		Content:  task.Content,
		Username: ev.SenderName,
	})
	if err != nil || !result.OK() {
		log.Printf("[relay] complete failed for %+v: result=%+v err=%v", task, result, err)
		if _, nerr := e.notify(ev, RenderCompleteFailure(task), nil); nerr != nil {
			return OutcomeNotifyFailed
		}
		return OutcomeCompleteFailed
	}

	if res.notificationID != "" {
		e.ledger.Remove(sig.scope, res.notificationID)
	}

	notice := RenderCompleted(task, ev.SenderName)
	fp := NewFingerprint(notice.Text(), task.Date, task.Time)
	if !e.ledger.Claim(sig.scope, fp) {
		log.Printf("[relay] duplicate completion notice %s suppressed: %+v", fp, task)
		return OutcomeSuppressed
	}
	if _, err := e.notify(ev, notice, nil); err != nil {
		e.ledger.Release(sig.scope, fp)
		return OutcomeNotifyFailed
	}
	return OutcomeCompleted
}

func (e *Engine) resolve(sig signal) (resolution, bool) {
	for _, s := range e.strategies {
		if res, ok := s.resolve(sig); ok {
			res.strategy = s.name
			return res, true
		}
	}
	return resolution{}, false
}

func (e *Engine) approvalActions() []string {
	if e.approvalEmoji == "" {
		return nil
	}
	return []string{e.approvalEmoji}
}

func (e *Engine) notify(ev bus.InboundMessage, n Notice, actions []string) (string, error) {
	id, err := e.notifier.Send(bus.OutboundMessage{
		Channel: ev.Channel,
		ChatID:  ev.ChatID,
		Title:   n.Title,
		Content: n.Body,
		ReplyTo: ev.MessageID,
		Actions: actions,
	})
	if err != nil {
		log.Printf("[relay] send notice to %s/%s failed: %v", ev.Channel, ev.ChatID, err)
		return "", err
	}
	return id, nil
}

