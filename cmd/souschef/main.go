package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/souschef-sms/souschef/internal/api"
	"github.com/souschef-sms/souschef/internal/bus"
	"github.com/souschef-sms/souschef/internal/config"
	"github.com/souschef-sms/souschef/internal/dedup"
	"github.com/souschef-sms/souschef/internal/flows"
	"github.com/souschef-sms/souschef/internal/fsm"
	"github.com/souschef-sms/souschef/internal/genai"
	"github.com/souschef-sms/souschef/internal/lockfile"
	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/ratelimit"
	"github.com/souschef-sms/souschef/internal/recovery"
	"github.com/souschef-sms/souschef/internal/router"
	"github.com/souschef-sms/souschef/internal/saga"
	"github.com/souschef-sms/souschef/internal/scheduler"
	"github.com/souschef-sms/souschef/internal/state"
	"github.com/souschef-sms/souschef/internal/store"
	"github.com/souschef-sms/souschef/internal/twiliosms"
)

// DefaultDBFileName is the SQLite database filename under the state
// directory.
const DefaultDBFileName = "souschef.db"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	debug := flag.Bool("debug", cfg.DebugLogging, "enable debug logging (overrides $SOUSCHEF_DEBUG)")
	dbDSN := flag.String("db-dsn", cfg.DatabaseDSN, "database DSN (overrides $DATABASE_URL)")
	stateDir := flag.String("state-dir", cfg.StateDir, "state directory for SQLite data (overrides $SOUSCHEF_STATE_DIR)")
	flag.Parse()
	cfg.DebugLogging = *debug
	cfg.DatabaseDSN = *dbDSN
	cfg.StateDir = *stateDir

	initializeLogger(cfg.DebugLogging)

	if err := run(cfg); err != nil {
		slog.Error("SousChef failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SousChef exited successfully")
}

// initializeLogger sets up structured logging.
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.UsesPostgres() {
		lock, err := lockfile.AcquireLock(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("acquire state lock: %w", err)
		}
		defer lock.Release()
	}

	st, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer st.Close()

	eventBus := bus.NewInProcBus()
	defer eventBus.Close()

	hybrid := state.NewHybridStore(st)
	defer hybrid.Close()

	guard := dedup.NewGuard(st, cfg.DedupTTL)
	limiter := ratelimit.NewLimiter(st, st, buildRatePolicy(cfg))

	alert := func(exec *models.SagaExecution) {
		slog.Error("Saga requires manual intervention", "sagaID", exec.ID, "correlationID", exec.CorrelationID, "lastError", exec.LastError)
		payload := map[string]string{"saga_id": exec.ID, "correlation_id": exec.CorrelationID, "error": exec.LastError}
		if err := eventBus.Emit(context.Background(), bus.Event{Topic: bus.TopicSagaFailed, Key: exec.CorrelationID, Payload: payload}); err != nil {
			slog.Error("Failed to emit saga failure event", "error", err)
		}
	}
	orchestrator := saga.NewOrchestrator(st, saga.NewCallPolicy("saga-default"), alert)

	if n, err := recovery.RecoverSagas(ctx, st, alert); err != nil {
		return fmt.Errorf("recover interrupted sagas: %w", err)
	} else if n > 0 {
		slog.Warn("Escalated sagas interrupted by previous shutdown", "count", n)
	}

	extractor, err := genai.NewClient(buildGenAIOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("build genai client: %w", err)
	}

	runtime := fsm.NewRuntime(hybrid)
	if err := registerFlows(runtime, orchestrator, extractor, eventBus); err != nil {
		return fmt.Errorf("register flows: %w", err)
	}

	rt := router.New(guard, limiter, runtime, eventBus, router.AddressResolver{})

	sender, err := startOutboundSender(ctx, cfg, eventBus, rt)
	if err != nil {
		return fmt.Errorf("start outbound sender: %w", err)
	}

	stopBridge, err := startNATSBridge(cfg, eventBus)
	if err != nil {
		return fmt.Errorf("start NATS bridge: %w", err)
	}
	if stopBridge != nil {
		defer stopBridge()
	}

	onAbandoned := func(cctx *models.ConversationContext) {
		evt := bus.Event{Topic: bus.TopicContextAbandoned, Key: cctx.Key.String(), Payload: cctx.Key.String()}
		if err := eventBus.Emit(context.WithoutCancel(ctx), evt); err != nil {
			slog.Error("Failed to emit abandonment event", "error", err, "key", cctx.Key.String())
		}
	}
	go runtime.RunSweeper(ctx, st, cfg.SweepInterval, onAbandoned)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.RegisterPurge(scheduler.DefaultPurgeSchedule, st); err != nil {
		return fmt.Errorf("register purge job: %w", err)
	}
	if err := sched.RegisterReconcile(scheduler.DefaultReconcileSchedule, hybrid); err != nil {
		return fmt.Errorf("register reconcile job: %w", err)
	}

	var sink api.ReceiptSink
	if sender != nil {
		sink = sender
	}
	srv := api.NewServer(rt, sink, api.WithAddr(cfg.HTTPAddr))
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Run() }()

	slog.Info("SousChef engine running", "addr", cfg.HTTPAddr, "postgres", cfg.UsesPostgres(), "nats", cfg.NATSURL != "", "sweepInterval", cfg.SweepInterval)
	select {
	case err := <-srvErr:
		return err
	case <-ctx.Done():
	}
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	return nil
}

// buildStore selects Postgres when DATABASE_URL points at one,
// otherwise SQLite under the state directory.
func buildStore(cfg config.Config) (store.Store, error) {
	if cfg.UsesPostgres() {
		slog.Debug("Configuring PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(store.WithDSN(cfg.DatabaseDSN))
	}
	dsn := cfg.DatabaseDSN
	if dsn == "" {
		dsn = filepath.Join(cfg.StateDir, DefaultDBFileName)
	}
	slog.Debug("Configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

func buildRatePolicy(cfg config.Config) ratelimit.Policy {
	return ratelimit.Policy{
		Ceilings: map[models.ChannelClass]int{
			models.ChannelIndividual: cfg.IndividualCeiling,
			models.ChannelBroadcast:  cfg.BroadcastCeiling,
		},
		BroadcastPerHousehold: cfg.BroadcastPerHousehold,
	}
}

func buildGenAIOptions(cfg config.Config) []genai.Option {
	var opts []genai.Option
	if cfg.OpenAIAPIKey != "" {
		opts = append(opts, genai.WithAPIKey(cfg.OpenAIAPIKey))
	}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	return opts
}

// registerFlows wires the built-in flows into the runtime. Registration
// order matters: the recipe flow claims media messages before the
// pantry flow sees them.
func registerFlows(runtime *fsm.Runtime, orchestrator *saga.Orchestrator, extractor genai.Extractor, eventBus bus.Bus) error {
	recipe := flows.NewRecipeFlow(flows.RecipeDeps{
		Sagas:     orchestrator,
		Extractor: extractor,
		Artifacts: flows.NewMemoryArtifactStore(),
		Recipes:   flows.NewMemoryRecipeStore(),
		Bus:       eventBus,
	})
	if err := runtime.Register(recipe); err != nil {
		return err
	}
	pantry := flows.NewPantryFlow(flows.PantryDeps{
		Extractor: extractor,
		Pantry:    flows.NewMemoryPantryStore(),
	})
	return runtime.Register(pantry)
}

// startOutboundSender subscribes the Twilio collaborator to admitted
// outbound intents and feeds its delivery receipts back through the
// router. Without Twilio credentials the intents are logged only and
// the returned client is nil.
func startOutboundSender(ctx context.Context, cfg config.Config, eventBus bus.Bus, rt *router.Router) (*twiliosms.Client, error) {
	if cfg.TwilioAccountSID == "" {
		slog.Warn("Twilio not configured, outbound intents will be logged only")
		eventBus.Subscribe(bus.TopicOutboundSend, func(ctx context.Context, evt bus.Event) error {
			payload, _ := json.Marshal(evt.Payload)
			slog.Info("Outbound intent (dry run)", "key", evt.Key, "payload", string(payload))
			return nil
		})
		return nil, nil
	}

	sender, err := twiliosms.NewClient(
		twiliosms.WithAccountSID(cfg.TwilioAccountSID),
		twiliosms.WithAuthToken(cfg.TwilioAuthToken),
		twiliosms.WithFromNumber(cfg.TwilioFromNumber),
	)
	if err != nil {
		return nil, err
	}

	eventBus.Subscribe(bus.TopicOutboundSend, func(ctx context.Context, evt bus.Event) error {
		intent, ok := evt.Payload.(models.OutboundIntent)
		if !ok {
			return fmt.Errorf("unexpected payload type %T on %s", evt.Payload, evt.Topic)
		}
		to, err := sender.ValidateAndCanonicalizeRecipient(intent.TargetAddress)
		if err != nil {
			return fmt.Errorf("canonicalize recipient: %w", err)
		}
		return sender.SendSMS(ctx, to, intent.Body)
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case receipt, ok := <-sender.Receipts():
				if !ok {
					return
				}
				rt.HandleReceipt(context.WithoutCancel(ctx), receipt)
			}
		}
	}()
	return sender, nil
}

// startNATSBridge mirrors engine events onto NATS subjects when a URL
// is configured. Returns a stop function, or nil when disabled.
func startNATSBridge(cfg config.Config, eventBus bus.Bus) (func(), error) {
	if cfg.NATSURL == "" {
		return nil, nil
	}
	bridge, err := bus.NewNATSBridge(cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	cancel := bridge.Mirror(eventBus,
		bus.TopicInboundReceived,
		bus.TopicOutboundSend,
		bus.TopicOutboundSuppressed,
		bus.TopicDeliveryReceipt,
		bus.TopicSagaFailed,
		bus.TopicContextAbandoned,
		bus.TopicRecipeSaved,
	)
	slog.Info("NATS bridge connected", "url", cfg.NATSURL)
	return func() {
		cancel()
		if err := bridge.Close(); err != nil {
			slog.Error("Failed to close NATS bridge", "error", err)
		}
	}, nil
}
