package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/zombor/billify/internal/billing"
	"github.com/zombor/billify/internal/database"
	"github.com/zombor/billify/internal/extraction"
	"github.com/zombor/billify/internal/notify"
	"github.com/zombor/billify/internal/queue"
	"github.com/zombor/billify/internal/scanning"
	"github.com/zombor/billify/internal/storage"
)

// runtime holds the process-wide clients. Each is built once and shared.
type runtime struct {
	flags *rootFlags

	bills      billing.Store
	identities *notify.IdentityService
	sender     notify.Sender
	gateway    *notify.Gateway
	location   *time.Location

	closers []func()
}

// newRuntime configures logging and opens the stores every command needs
func newRuntime(ctx context.Context, flags *rootFlags) (*runtime, error) {
	if err := configureLogging(*flags.logLevel, *flags.logFormat); err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(*flags.timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", *flags.timezone, err)
	}

	sender, err := newSender(flags)
	if err != nil {
		return nil, err
	}

	rt := &runtime{flags: flags, location: loc, sender: sender}
	if err := rt.openStores(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	rt.gateway = notify.NewGateway(rt.identities, rt.sender)
	return rt, nil
}

func (rt *runtime) openStores(ctx context.Context) error {
	flags := rt.flags
	if *flags.databaseURL != "" {
		slog.Info("Connecting to PostgreSQL...")
		db, err := database.Connect(ctx, *flags.databaseURL, database.DefaultConfig())
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, db.Close)
		rt.bills = billing.NewPostgresStore(db.Pool)
		rt.identities = notify.NewIdentityService(notify.NewPostgresIdentityStore(db.Pool), rt.sender, *flags.publicURL, *flags.tokenTTL)
		return nil
	}

	slog.Info("Initializing database...", "path", *flags.boltPath)
	db, err := database.OpenBolt(*flags.boltPath)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, func() { db.Close() })

	bills, err := billing.NewBoltStore(db)
	if err != nil {
		return err
	}
	identityStore, err := notify.NewBoltIdentityStore(db)
	if err != nil {
		return err
	}
	rt.bills = bills
	rt.identities = notify.NewIdentityService(identityStore, rt.sender, *flags.publicURL, *flags.tokenTTL)
	return nil
}

// Close releases clients in reverse order of creation
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func newSender(flags *rootFlags) (notify.Sender, error) {
	if *flags.smtpHost == "" {
		slog.Warn("No SMTP host configured, notifications will only be logged")
		return notify.NoopSender{}, nil
	}
	return notify.NewSMTPSender(notify.SMTPConfig{
		Host:        *flags.smtpHost,
		Port:        *flags.smtpPort,
		Username:    *flags.smtpUser,
		Password:    *flags.smtpPass,
		From:        *flags.mailFrom,
		MaxSessions: *flags.smtpMax,
	})
}

// documents opens the object store when one is configured, the local directory otherwise
func (rt *runtime) documents(ctx context.Context) (storage.Storage, error) {
	flags := rt.flags
	if *flags.minioEndpoint != "" {
		slog.Info("Connecting to object store...", "endpoint", *flags.minioEndpoint, "bucket", *flags.minioBucket)
		return storage.NewMinIOStorage(ctx, storage.MinIOConfig{
			Endpoint:  *flags.minioEndpoint,
			AccessKey: *flags.minioAccessKey,
			SecretKey: *flags.minioSecretKey,
			Bucket:    *flags.minioBucket,
			UseSSL:    *flags.minioSSL,
		})
	}
	slog.Info("Initializing storage...", "path", *flags.storageDir)
	return storage.NewLocalStorage(*flags.storageDir)
}

func (rt *runtime) scanner(ctx context.Context) (scanning.Scanner, error) {
	flags := rt.flags
	switch *flags.scanner {
	case "gemini":
		apiKey := *flags.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", *flags.geminiModel)
		return scanning.NewGemini(ctx, apiKey, *flags.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *flags.ollamaURL, "model", *flags.ollamaModel)
		return scanning.NewOllama(*flags.ollamaURL, *flags.ollamaModel), nil
	default:
		return nil, fmt.Errorf("invalid scanner type %q: valid are gemini or ollama", *flags.scanner)
	}
}

// broker dials RabbitMQ. It returns nil when no URL is configured.
func (rt *runtime) broker() (*queue.RabbitMQ, error) {
	if *rt.flags.amqpURL == "" {
		return nil, nil
	}
	slog.Info("Connecting to RabbitMQ...", "queue", *rt.flags.queueName)
	mq, err := queue.Dial(*rt.flags.amqpURL)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() { mq.Close() })
	return mq, nil
}

func (rt *runtime) worker(ctx context.Context, docs storage.Storage, wf *workerFlags) (*extraction.Worker, error) {
	policy, err := extraction.ParseFailurePolicy(*wf.policy)
	if err != nil {
		return nil, err
	}

	scanner, err := rt.scanner(ctx)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() { scanner.Close() })

	analyzer := scanning.NewAnalyzer(docs, scanner, *rt.flags.analysisTimeout)
	return extraction.NewWorker(rt.bills, analyzer, rt.gateway, extraction.Config{
		Policy:      policy,
		Retention:   *rt.flags.billRetention,
		BatchSize:   *wf.batchSize,
		BatchWait:   *wf.batchWait,
		Concurrency: *wf.concurrency,
	}), nil
}
