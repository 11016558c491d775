package main

import (
	"context"
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicq/internal/audit"
	"clinicq/internal/config"
	"clinicq/internal/docstore"
	"clinicq/internal/docstore/memory"
	"clinicq/internal/docstore/postgres"
	"clinicq/internal/engine"
	"clinicq/internal/httpapi"
	"clinicq/internal/hub"
	"clinicq/internal/models"
	"clinicq/internal/notify"
	"clinicq/internal/projection"
	"clinicq/internal/session"
	"clinicq/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type eventEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("clinicq")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var store docstore.Store
	if cfg.DatabaseURL == "" {
		log.Printf("no DB_DSN set, using in-memory store")
		store = memory.New(memory.Options{})
	} else {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		store = postgres.NewStore(pool, postgres.Options{
			PollInterval: cfg.PollInterval,
			BatchSize:    cfg.BatchSize,
		})
	}

	view := projection.New()
	feed := notify.NewFeed(cfg.FeedSize, nil)
	worker := notify.NewWorker(notify.WorkerConfig{WhatsAppProvider: cfg.WhatsAppProvider})
	auditLog := audit.New(store, nil)
	manager := session.NewManager(store, session.Options{
		Quiet:    cfg.AutosaveQuiet,
		Interval: cfg.AutosaveInterval,
	})
	eng := engine.New(store, view, engine.Options{
		Audit:     auditLog,
		Sessions:  manager,
		OpTimeout: cfg.OpTimeout,
	})

	h := hub.New()
	handler := httpapi.NewHandler(eng, view, feed)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		CallerPerMinute: cfg.CallerRateLimitPerMinute,
		CallerBurst:     cfg.CallerRateLimitBurst,
	})

	sockjsHandler := sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(conn sockjs.Session) {
		if _, err := httpapi.ResolveSession(context.Background(), store, conn.Request()); err != nil {
			_ = conn.Close(4001, "invalid session")
			return
		}

		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = conn.Send(string(msg))
			}
		}()

		for {
			msg, err := conn.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{
				Collection: parsed.Collection,
				ProviderID: parsed.ProviderID,
			})
		}
	})

	root := http.NewServeMux()
	root.Handle("/metrics", expvar.Handler())
	root.Handle("/realtime/", sockjsHandler)
	root.Handle("/", httpapi.AuthMiddleware(store, handler.Routes()))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(root)), "clinicq"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	subCtx, cancelSub := context.WithCancel(context.Background())
	events, cancelStream, err := store.Subscribe(subCtx, docstore.CollectionVisits)
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	go func() {
		for event := range events {
			view.Apply(event)
			feed.Apply(event)
			worker.Apply(subCtx, event)

			env := eventEnvelope{Type: string(event.Type), CreatedAt: time.Now().UTC()}
			env.Payload, _ = json.Marshal(event)
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			h.Broadcast(payload, event.Collection, involvedProviders(event))
		}
	}()

	go func() {
		log.Printf("clinicq listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	cancelStream()
	cancelSub()
	// Unflushed clerking edits persist before exit.
	manager.CloseAll(ctx)
}

// involvedProviders lists the providers a change concerns so the hub can
// narrow per-provider subscriptions.
func involvedProviders(event docstore.Event) []string {
	if len(event.Doc) == 0 {
		return nil
	}
	visit, err := models.DecodeVisit(event.Doc)
	if err != nil {
		return nil
	}
	var ids []string
	if visit.AttendingProviderID != "" {
		ids = append(ids, visit.AttendingProviderID)
	}
	if visit.AssignedProviderID != "" {
		ids = append(ids, visit.AssignedProviderID)
	}
	return ids
}
