// README: Entry point; loads config, selects storage backends, wires services and serves HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campusride/internal/config"
	"campusride/internal/docstore"
	"campusride/internal/events"
	httptransport "campusride/internal/http"
	"campusride/internal/infra"
	"campusride/internal/logging"
	"campusride/internal/maps"
	"campusride/internal/modules/matching"
	"campusride/internal/modules/notification"
	"campusride/internal/modules/pool"
	"campusride/internal/modules/ride"
	"campusride/internal/modules/tracking"
	"campusride/internal/stream"
)

const (
	streamPrefix = "campusride"
	streamTTL    = 24 * time.Hour
	firebasePoll = time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("campusride-api stopped", zap.Error(err))
	}
}

// backends holds the lazily opened external clients.
type backends struct {
	cfg   config.Config
	log   *zap.Logger
	app   *firebase.App
	db    *pgxpool.Pool
	redis *redis.Client
}

func (b *backends) firebaseApp(ctx context.Context) (*firebase.App, error) {
	if b.app != nil {
		return b.app, nil
	}
	if b.cfg.Firebase.ProjectID == "" {
		return nil, fmt.Errorf("CAMPUSRIDE_FIREBASE_PROJECT_ID is required")
	}
	app, err := infra.NewFirebaseApp(ctx, infra.FirebaseConfig{
		ProjectID:       b.cfg.Firebase.ProjectID,
		CredentialsFile: b.cfg.Firebase.CredentialsFile,
		DatabaseURL:     b.cfg.Firebase.DatabaseURL,
	})
	if err != nil {
		return nil, err
	}
	b.app = app
	return app, nil
}

func (b *backends) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if b.db != nil {
		return b.db, nil
	}
	db, err := infra.NewDB(ctx, b.cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	b.db = db
	return db, nil
}

func (b *backends) redisClient() *redis.Client {
	if b.redis == nil {
		b.redis = infra.NewRedis(b.cfg.Redis.Addr)
	}
	return b.redis
}

func (b *backends) close() {
	if b.db != nil {
		b.db.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

func (b *backends) docStore(ctx context.Context) (docstore.Store, error) {
	switch b.cfg.Backends.DocStore {
	case config.BackendMemory:
		return docstore.NewMemory(b.log), nil
	case config.BackendPostgres:
		db, err := b.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return docstore.NewPostgres(db, b.log), nil
	case config.BackendFirestore:
		app, err := b.firebaseApp(ctx)
		if err != nil {
			return nil, err
		}
		client, err := app.Firestore(ctx)
		if err != nil {
			return nil, fmt.Errorf("firebase app.Firestore: %w", err)
		}
		return docstore.NewFirestore(client, b.log), nil
	}
	return nil, fmt.Errorf("unknown document store %q", b.cfg.Backends.DocStore)
}

func (b *backends) stream(ctx context.Context) (stream.Stream, error) {
	switch b.cfg.Backends.Stream {
	case config.BackendMemory:
		return stream.NewMemory(), nil
	case config.BackendRedis:
		return stream.NewRedis(b.redisClient(), streamPrefix, streamTTL, b.log), nil
	case config.BackendFirebase:
		app, err := b.firebaseApp(ctx)
		if err != nil {
			return nil, err
		}
		client, err := app.Database(ctx)
		if err != nil {
			return nil, fmt.Errorf("firebase app.Database: %w", err)
		}
		return stream.NewFirebase(client, firebasePoll, b.log), nil
	}
	return nil, fmt.Errorf("unknown stream %q", b.cfg.Backends.Stream)
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	b := &backends{cfg: cfg, log: log}
	defer b.close()

	docs, err := b.docStore(ctx)
	if err != nil {
		return err
	}
	live, err := b.stream(ctx)
	if err != nil {
		return err
	}

	app, err := b.firebaseApp(ctx)
	if err != nil {
		return err
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		return err
	}

	notes := notification.NewService(notification.NewStore(docs), cfg.Notification.MarkAllLimit, log)
	if pusher, err := infra.NewFCMPusher(ctx, app, log); err != nil {
		log.Warn("device push disabled", zap.Error(err))
	} else {
		notes.SetPusher(pusher)
	}

	trackCfg := tracking.Config{
		Steps:           cfg.Tracking.Steps,
		StepInterval:    cfg.Tracking.StepInterval,
		StaleAfter:      cfg.Tracking.StaleAfter,
		EndGrace:        cfg.Tracking.EndGrace,
		ETATimeout:      cfg.Tracking.ETATimeout,
		WritesPerSecond: cfg.Tracking.WritesPerSecond,
	}
	publisher := tracking.NewPublisher(live, trackCfg, log)
	defer publisher.Shutdown()

	var eta *tracking.ETAResolver
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		eta = tracking.NewETAResolver(routes, cfg.Tracking.ETATimeout, log)
	} else {
		log.Warn("maps api key missing, ETA disabled")
	}
	tracker := tracking.NewTracker(live, eta, trackCfg, log)

	var index matching.Index
	if cfg.Backends.Stream == config.BackendRedis {
		index = matching.NewStore(b.redisClient())
	} else {
		index = matching.NewMemoryIndex()
	}
	matchingSvc := matching.NewService(index, live, cfg.Matching, log)

	rides := ride.NewService(ride.NewStore(docs), notes, publisher, log)
	pools := pool.NewService(pool.NewStore(docs), cfg.Pool.JoinAttempts, log)
	pools.SetObserver(rides)
	rides.SetPools(pools)
	rides.SetAssigner(matchingSvc)

	deps := httptransport.ServerDeps{
		Pool:         pools,
		Ride:         rides,
		Notification: notes,
		Matching:     matchingSvc,
		Publisher:    publisher,
		Tracker:      tracker,
		Verifier:     verifier,
		Log:          log,
	}

	if b.cfg.DB.DSN != "" {
		if db, err := b.postgres(ctx); err != nil {
			log.Warn("ride event log disabled", zap.Error(err))
		} else {
			history := events.NewPostgres(db)
			rides.AddSink(history)
			deps.History = history
		}
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() { _ = kafkaSink.Close() }()
		rides.AddSink(kafkaSink)
	}

	log.Info("campusride-api starting",
		zap.String("docstore", cfg.Backends.DocStore),
		zap.String("stream", cfg.Backends.Stream),
		zap.Int("event_sinks", boolInt(deps.History != nil)+boolInt(len(cfg.Kafka.Brokers) > 0)))
	return httptransport.NewServer(deps).Run(ctx, cfg.HTTP.Addr)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
