// Command chatrelay runs the conversation streaming API server.
//
// The server accepts stream attachments over HTTP, starts conversation
// processing on Temporal and relays worker output to clients as Server-Sent
// Events. Conversation records live in MongoDB; per-conversation event logs
// live in Redis streams.
//
// # Configuration
//
// Settings load from defaults, then an optional TOML file (-config), then
// CHATRELAY_-prefixed environment variables:
//
//	CHATRELAY_HTTP_ADDR           - HTTP listen address (default: ":8080")
//	CHATRELAY_REDIS_ADDR          - Redis address (default: "localhost:6379")
//	CHATRELAY_REDIS_PASSWORD      - Redis password (optional)
//	CHATRELAY_MONGO_URI           - MongoDB URI (default: "mongodb://localhost:27017")
//	CHATRELAY_MONGO_DATABASE      - MongoDB database (default: "chatrelay")
//	CHATRELAY_TEMPORAL_HOSTPORT   - Temporal frontend (default: "localhost:7233")
//	CHATRELAY_TEMPORAL_NAMESPACE  - Temporal namespace (default: "default")
//	CHATRELAY_DEBUG               - Enable debug logging (default: false)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/aibridge/chatrelay/api"
	"github.com/aibridge/chatrelay/channel"
	redisclient "github.com/aibridge/chatrelay/channel/clients/redis"
	"github.com/aibridge/chatrelay/config"
	mongostore "github.com/aibridge/chatrelay/conversation/mongo"
	clientsmongo "github.com/aibridge/chatrelay/conversation/mongo/clients/mongo"
	enginetemporal "github.com/aibridge/chatrelay/engine/temporal"
	"github.com/aibridge/chatrelay/relay"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to TOML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *dbgF || cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatal(ctx, err)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs the per-conversation event logs.
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	rc, err := redisclient.New(rdb)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}

	// MongoDB holds the conversation records.
	mdb, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer func() {
		if err := mdb.Disconnect(context.WithoutCancel(ctx)); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}()
	mc, err := clientsmongo.New(clientsmongo.Options{Client: mdb, Database: cfg.Mongo.Database})
	if err != nil {
		return fmt.Errorf("create mongo client: %w", err)
	}
	store, err := mongostore.NewStore(mc)
	if err != nil {
		return fmt.Errorf("create conversation store: %w", err)
	}

	// Temporal runs the conversation workflows.
	interceptors, err := enginetemporal.Instrumentation()
	if err != nil {
		return err
	}
	tc, err := client.Dial(client.Options{
		HostPort:     cfg.Temporal.HostPort,
		Namespace:    cfg.Temporal.Namespace,
		Interceptors: interceptors,
	})
	if err != nil {
		return fmt.Errorf("connect to temporal: %w", err)
	}
	defer tc.Close()
	eng, err := enginetemporal.New(enginetemporal.Options{Client: tc})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	rl, err := relay.New(relay.Options{
		Channels: func(conversationID uuid.UUID) (relay.Channel, error) {
			return channel.New(channel.Options{Client: rc, Key: channel.Key(conversationID)})
		},
		Engine: eng,
		Store:  store,
	})
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}

	srv, err := api.New(ctx, api.Options{
		Relay:   rl,
		Pingers: []health.Pinger{rc, mc},
	})
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "starting http server"}, log.KV{K: "addr", V: cfg.HTTP.Addr})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Print(ctx, log.KV{K: "msg", V: "shutting down"})
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
