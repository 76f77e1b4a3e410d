package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/stellarlinkco/taskrelay/internal/bus"
	"github.com/stellarlinkco/taskrelay/internal/channel"
	"github.com/stellarlinkco/taskrelay/internal/config"
	"github.com/stellarlinkco/taskrelay/internal/cron"
	"github.com/stellarlinkco/taskrelay/internal/delivery"
	"github.com/stellarlinkco/taskrelay/internal/relay"
	"github.com/stellarlinkco/taskrelay/internal/textutil"
)

const (
	aliveText    = "🤖 Bot is alive!"
	statsJobName = "ledger-stats"
)

// Options for creating a Gateway
type Options struct {
	Delivery   relay.Deliverer
	Notifier   relay.Notifier
	Members    relay.MemberResolver
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	channels   *channel.ChannelManager
	engine     *relay.Engine
	cron       *cron.Service
	server     *http.Server
	started    time.Time
	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	deliverer := opts.Delivery
	if deliverer == nil {
		if strings.TrimSpace(cfg.Ledger.URL) == "" {
			log.Printf("[gateway] ledger url is not set; every ledger call will fail")
		}
		deliverer = delivery.NewClient(cfg.Ledger)
	}
	var notifier relay.Notifier = g.channels
	if opts.Notifier != nil {
		notifier = opts.Notifier
	}
	var members relay.MemberResolver = g.channels
	if opts.Members != nil {
		members = opts.Members
	}

	g.engine = relay.NewEngine(relay.Options{
		Parser:        relay.NewParser(cfg.Commands),
		Ledger:        relay.NewNotificationLedger(),
		Delivery:      deliverer,
		Notifier:      notifier,
		Members:       members,
		ApprovalEmoji: cfg.Commands.ApprovalEmoji,
	})

	g.cron = cron.NewService()
	schedule := strings.TrimSpace(cfg.Gateway.StatsSchedule)
	if schedule == "" {
		schedule = config.DefaultStatsSchedule
	}
	if err := g.cron.AddJob(statsJobName, schedule, g.statsJob); err != nil {
		return nil, err
	}

	g.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Engine exposes the correlation engine (for testing)
func (g *Gateway) Engine() *relay.Engine {
	return g.engine
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleAlive)
	mux.HandleFunc("/healthz", g.handleHealth)
	return mux
}

func (g *Gateway) handleAlive(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, aliveText)
}

type healthReport struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Channels []string          `json:"channels"`
	Ledger   relay.LedgerStats `json:"ledger"`
	Jobs     []cron.Job        `json:"jobs"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Status:   "ok",
		Channels: g.channels.EnabledChannels(),
		Ledger:   g.engine.Ledger().Stats(),
		Jobs:     g.cron.ListJobs(),
	}
	if !g.started.IsZero() {
		report.Uptime = time.Since(g.started).Round(time.Second).String()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.Printf("[gateway] write health report: %v", err)
	}
}

func (g *Gateway) statsJob() error {
	g.logStats()
	return nil
}

func (g *Gateway) logStats() {
	stats := g.engine.Ledger().Stats()
	log.Printf("[gateway] ledger stats: entries=%d fingerprints=%d chats=%d hasLast=%v",
		stats.Entries, stats.Fingerprints, stats.Scopes, stats.HasLast)
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	g.started = time.Now()
	g.cron.Start()

	go func() {
		log.Printf("[gateway] liveness endpoint on %s", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[gateway] http server error: %v", err)
		}
	}()

	go g.processLoop(ctx)

	log.Printf("[gateway] running")

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// processLoop handles events one at a time, in arrival order.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[gateway] panic handling %s from %s/%s: %v\n%s", msg.Kind, msg.Channel, msg.SenderID, r, debug.Stack())
		}
	}()

	log.Printf("[gateway] %s from %s/%s: %s", msg.Kind, msg.Channel, msg.SenderID, textutil.Truncate(msg.Content, 80))
	outcome := g.engine.Handle(ctx, msg)
	log.Printf("[gateway] %s %s -> %s", msg.Kind, msg.MessageID, outcome)
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.server.Shutdown(ctx); err != nil {
			log.Printf("[gateway] http shutdown warning: %v", err)
		}
	}
	_ = g.channels.StopAll()
	// final stats line, recorded as a job run
	_ = g.cron.RunNow(statsJobName)
	log.Printf("[gateway] shutdown complete")
	return nil
}

