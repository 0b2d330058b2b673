// Command chatrelay-worker runs the conversation processing worker.
//
// The worker polls the Temporal task queue, drives one Claude Messages
// completion per conversation turn and appends the resulting events to the
// conversation's Redis stream for the API server to relay.
//
// # Configuration
//
// Settings load from defaults, then an optional TOML file (-config), then
// CHATRELAY_-prefixed environment variables:
//
//	CHATRELAY_REDIS_ADDR          - Redis address (default: "localhost:6379")
//	CHATRELAY_REDIS_PASSWORD      - Redis password (optional)
//	CHATRELAY_MONGO_URI           - MongoDB URI (default: "mongodb://localhost:27017")
//	CHATRELAY_MONGO_DATABASE      - MongoDB database (default: "chatrelay")
//	CHATRELAY_TEMPORAL_HOSTPORT   - Temporal frontend (default: "localhost:7233")
//	CHATRELAY_TEMPORAL_NAMESPACE  - Temporal namespace (default: "default")
//	CHATRELAY_ANTHROPIC_APIKEY    - Anthropic API key (required)
//	CHATRELAY_ANTHROPIC_MODEL     - Claude model (default: "claude-sonnet-4-5")
//	CHATRELAY_ANTHROPIC_MAXTOKENS - Completion token cap (default: 4096)
//	CHATRELAY_ANTHROPIC_SYSTEM    - System prompt (optional)
//	CHATRELAY_DEBUG               - Enable debug logging (default: false)
package main

import (
	"context"
	"flag"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.temporal.io/sdk/client"
	temporalworker "go.temporal.io/sdk/worker"
	"goa.design/clue/log"

	redisclient "github.com/aibridge/chatrelay/channel/clients/redis"
	"github.com/aibridge/chatrelay/config"
	mongostore "github.com/aibridge/chatrelay/conversation/mongo"
	clientsmongo "github.com/aibridge/chatrelay/conversation/mongo/clients/mongo"
	enginetemporal "github.com/aibridge/chatrelay/engine/temporal"
	"github.com/aibridge/chatrelay/producer/anthropic"
	"github.com/aibridge/chatrelay/worker"
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
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatal(ctx, err)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
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

	producer, err := anthropic.NewFromAPIKey(cfg.Anthropic.APIKey, store, anthropic.Options{
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
		System:    cfg.Anthropic.System,
	})
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}

	acts, err := worker.NewActivities(producer, worker.ChannelLogs(rc), store)
	if err != nil {
		return fmt.Errorf("create activities: %w", err)
	}

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

	// Activities inherit the process log context.
	w := temporalworker.New(tc, enginetemporal.TaskQueue, temporalworker.Options{
		BackgroundActivityContext: ctx,
	})
	worker.Register(w, acts)

	log.Print(ctx, log.KV{K: "msg", V: "starting worker"}, log.KV{K: "task_queue", V: enginetemporal.TaskQueue})
	if err := w.Run(temporalworker.InterruptCh()); err != nil {
		return fmt.Errorf("run worker: %w", err)
	}
	return nil
}
