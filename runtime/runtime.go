// Package runtime assembles a CrossBot deployment: the state store, the
// event kernel, the configured platform adapters, and the HTTP surface
// that receives their webhooks. Bot programs register handlers on the
// Runtime and call Serve.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/crossbot/crossbot/internal/adapter/discord"
	"github.com/crossbot/crossbot/internal/adapter/gchat"
	"github.com/crossbot/crossbot/internal/adapter/github"
	"github.com/crossbot/crossbot/internal/adapter/linear"
	"github.com/crossbot/crossbot/internal/adapter/slack"
	"github.com/crossbot/crossbot/internal/adapter/teams"
	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/config"
	"github.com/crossbot/crossbot/internal/kernel"
	"github.com/crossbot/crossbot/internal/logging"
	"github.com/crossbot/crossbot/internal/metrics"
	"github.com/crossbot/crossbot/internal/state"
	"github.com/crossbot/crossbot/internal/state/memory"
	"github.com/crossbot/crossbot/internal/state/sqlite"
	"github.com/crossbot/crossbot/internal/thread"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Runtime is an assembled bot instance.
type Runtime struct {
	cfg      *config.Config
	store    state.Store
	kernel   *kernel.Kernel
	registry *kernel.Registry
	adapters map[string]chat.Adapter
	runners  []runner
	server   *http.Server
	log      *slog.Logger

	boundAddr atomic.Value // string, set once Serve has bound its listener
}

// runner is a long-lived ingress loop an adapter brings along (Socket
// Mode, gateway sessions). Runners exit when their context is
// cancelled.
type runner struct {
	name string
	run  func(ctx context.Context) error
}

// New validates cfg and wires every enabled adapter. The returned
// Runtime is not listening yet; register handlers, then call Serve.
func New(cfg *config.Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	var store state.Store
	switch cfg.State.Backend {
	case "memory":
		store = memory.New()
	case "sqlite":
		store = sqlite.New(cfg.DBPath())
	}

	registry := kernel.NewRegistry()
	k := kernel.New(store, registry)

	rt := &Runtime{
		cfg:      cfg,
		store:    store,
		kernel:   k,
		registry: registry,
		adapters: make(map[string]chat.Adapter),
		log:      slog.With("component", "runtime"),
	}
	if err := rt.buildAdapters(); err != nil {
		return nil, err
	}
	for _, a := range rt.adapters {
		a.Initialize(k)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{adapter}", rt.handleWebhook)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})
	rt.server = &http.Server{
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return rt, nil
}

func (rt *Runtime) buildAdapters() error {
	cfg := rt.cfg

	// Adapter-level user names fall back to the global handle.
	name := func(override string) string {
		if override != "" {
			return override
		}
		return cfg.UserName
	}

	if c := cfg.Adapters.Slack; c != nil {
		a := slack.New(slack.Config{
			BotToken:      c.BotToken,
			AppToken:      c.AppToken,
			SigningSecret: c.SigningSecret,
			UserName:      name(c.UserName),
			BotUserID:     c.BotUserID,
		})
		rt.adapters[a.Name()] = a
		if c.SocketMode {
			rt.runners = append(rt.runners, runner{name: "slack-socketmode", run: a.RunSocketMode})
		}
	}

	if c := cfg.Adapters.GChat; c != nil {
		a := gchat.New(gchat.Config{
			VerificationToken: c.VerificationToken,
			APIToken:          c.APIToken,
			BotUser:           c.BotUser,
			UserName:          name(c.UserName),
		}, rt.store)
		rt.adapters[a.Name()] = a
	}

	if c := cfg.Adapters.Teams; c != nil {
		a := teams.New(teams.Config{
			AppID:    c.AppID,
			UserName: name(c.UserName),
			Keyfunc:  teams.NewBotFrameworkKeyfunc(),
			Token:    teams.NewClientCredentialsToken(c.AppID, c.AppPassword),
		}, rt.store)
		rt.adapters[a.Name()] = a
	}

	if c := cfg.Adapters.Discord; c != nil {
		a, err := discord.New(discord.Config{
			BotToken:  c.BotToken,
			PublicKey: c.PublicKey,
			BotUserID: c.BotUserID,
			UserName:  name(c.UserName),
		})
		if err != nil {
			return fmt.Errorf("discord adapter: %w", err)
		}
		rt.adapters[a.Name()] = a
		rt.runners = append(rt.runners, runner{name: "discord-gateway", run: a.Run})
	}

	if c := cfg.Adapters.GitHub; c != nil {
		minter, err := githubMinter(c)
		if err != nil {
			return fmt.Errorf("github adapter: %w", err)
		}
		a := github.New(github.Config{
			WebhookSecret: c.WebhookSecret,
			UserName:      name(c.UserName),
			BotUserID:     c.BotUserID,
			MintToken:     minter,
		}, rt.store)
		rt.adapters[a.Name()] = a
	}

	if c := cfg.Adapters.Linear; c != nil {
		a := linear.New(linear.Config{
			WebhookSecret: c.WebhookSecret,
			APIKey:        c.APIKey,
			UserName:      name(c.UserName),
			BotUserID:     c.BotUserID,
		})
		rt.adapters[a.Name()] = a
	}

	return nil
}

func githubMinter(c *config.GitHubConfig) (github.TokenMinter, error) {
	if c.Token != "" {
		return github.StaticTokenMinter(c.Token), nil
	}
	pem := []byte(c.PrivateKey)
	if c.PrivateKeyFile != "" {
		data, err := os.ReadFile(c.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		pem = data
	}
	if len(pem) == 0 {
		return nil, fmt.Errorf("github auth requires token or app private key")
	}
	return github.NewAppTokenMinter(c.AppID, pem, "")
}

// handleWebhook routes POST /webhooks/{adapter} to the named adapter.
// Dispatch is handed to the kernel's background pool so platforms get
// their acknowledgement before handlers run.
func (rt *Runtime) handleWebhook(w http.ResponseWriter, r *http.Request) {
	a, ok := rt.adapters[r.PathValue("adapter")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	a.HandleWebhook(w, r, &chat.WebhookOptions{WaitUntil: rt.kernel.Go})
}

// Adapter returns a wired adapter by name, or nil.
func (rt *Runtime) Adapter(name string) chat.Adapter {
	return rt.adapters[name]
}

// AdapterNames lists the wired adapters in registration order.
func (rt *Runtime) AdapterNames() []string {
	names := make([]string, 0, len(rt.adapters))
	for _, want := range []string{"slack", "gchat", "teams", "discord", "github", "linear"} {
		if _, ok := rt.adapters[want]; ok {
			names = append(names, want)
		}
	}
	return names
}

// Thread returns a facade over threadID, routed through the thread's
// adapter. Use it for proactive posts outside a dispatch.
func (rt *Runtime) Thread(threadID string) (*thread.Thread, error) {
	a, ok := rt.adapters[chat.AdapterOf(threadID)]
	if !ok {
		return nil, fmt.Errorf("no adapter for thread %s", threadID)
	}
	if err := a.DecodeThreadID(threadID); err != nil {
		return nil, err
	}
	return thread.New(a, rt.store, threadID), nil
}

// BoundAddr returns the address Serve is listening on, or "" before
// the listener is bound. With Addr ":0" this is the resolved port.
func (rt *Runtime) BoundAddr() string {
	if v := rt.boundAddr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// OnNewMention registers a handler for bot mentions in unsubscribed
// threads.
func (rt *Runtime) OnNewMention(h kernel.MessageHandler) { rt.registry.OnNewMention(h) }

// OnNewMessage registers a pattern handler for unsubscribed threads.
func (rt *Runtime) OnNewMessage(pattern *regexp.Regexp, h kernel.MessageHandler) {
	rt.registry.OnNewMessage(pattern, h)
}

// OnSubscribedMessage registers a handler for subscribed-thread
// messages.
func (rt *Runtime) OnSubscribedMessage(h kernel.MessageHandler) {
	rt.registry.OnSubscribedMessage(h)
}

// OnReaction registers a reaction handler; nil names accepts all.
func (rt *Runtime) OnReaction(names []string, h kernel.ReactionHandler) {
	rt.registry.OnReaction(names, h)
}

// OnAction registers a card-button handler; nil ids accepts all.
func (rt *Runtime) OnAction(ids []string, h kernel.ActionHandler) {
	rt.registry.OnAction(ids, h)
}

// Serve connects the store, starts adapter runners and the HTTP
// listener, and blocks until ctx is cancelled. Shutdown order: stop
// intake, drain in-flight dispatches, close the store.
func (rt *Runtime) Serve(ctx context.Context) error {
	if err := rt.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect state store: %w", err)
	}

	ln, err := net.Listen("tcp", rt.cfg.Addr)
	if err != nil {
		_ = rt.store.Close()
		return fmt.Errorf("listen: %w", err)
	}
	rt.boundAddr.Store(ln.Addr().String())

	logging.PrintBanner(Version, rt.cfg.Addr, rt.AdapterNames())

	runnerCtx, cancelRunners := context.WithCancel(context.Background())
	defer cancelRunners()
	for _, rn := range rt.runners {
		rt.kernel.Go(func() {
			if err := rn.run(runnerCtx); err != nil && runnerCtx.Err() == nil {
				rt.log.Error("ingress runner exited", "runner", rn.name, "error", err)
			}
		})
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		rt.log.Info("shutting down...")

		// 1. Stop accepting webhooks; drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.server.Shutdown(shutdownCtx)

		// 2. Stop ingress runners.
		cancelRunners()
		close(shutdownDone)
	}()

	rt.log.Info("listening", "addr", rt.cfg.Addr, "adapters", rt.AdapterNames())
	if err := rt.server.Serve(ln); err != http.ErrServerClosed {
		_ = rt.store.Close()
		return fmt.Errorf("serve: %w", err)
	}
	<-shutdownDone

	// 3. Wait for backgrounded dispatches before losing the store.
	rt.kernel.Wait()
	_ = rt.store.Close()
	return nil
}
