package main

import (
	"time"

	"github.com/peterbourgon/ff/v4"

	"github.com/zombor/billify/internal/aggregation"
	"github.com/zombor/billify/internal/billing"
	"github.com/zombor/billify/internal/extraction"
	"github.com/zombor/billify/internal/notify"
)

// rootFlags are shared by every subcommand
type rootFlags struct {
	logLevel  *string
	logFormat *string

	boltPath    *string
	databaseURL *string

	storageDir     *string
	minioEndpoint  *string
	minioAccessKey *string
	minioSecretKey *string
	minioBucket    *string
	minioSSL       *bool

	amqpURL   *string
	queueName *string

	scanner         *string
	geminiKey       *string
	geminiModel     *string
	ollamaURL       *string
	ollamaModel     *string
	analysisTimeout *time.Duration

	smtpHost  *string
	smtpPort  *int
	smtpUser  *string
	smtpPass  *string
	smtpMax   *int
	mailFrom  *string
	publicURL *string
	tokenTTL  *time.Duration

	billRetention *time.Duration
	scanPageSize  *int
	timezone      *string
}

func newRootFlags(fs *ff.FlagSet) *rootFlags {
	return &rootFlags{
		logLevel:  fs.StringLong("log-level", "info", "Log level: debug, info, warn or error"),
		logFormat: fs.StringLong("log-format", "text", "Log format: text or json"),

		boltPath:    fs.StringLong("bolt-path", "billify.db", "Bill store file path (bbolt backend)"),
		databaseURL: fs.StringLong("database-url", "", "PostgreSQL URL; when set bills and identities are stored in Postgres"),

		storageDir:     fs.StringLong("storage-dir", "./documents", "Document directory when no object store is configured"),
		minioEndpoint:  fs.StringLong("minio-endpoint", "", "S3 compatible endpoint for uploaded documents"),
		minioAccessKey: fs.StringLong("minio-access-key", "", "Object store access key"),
		minioSecretKey: fs.StringLong("minio-secret-key", "", "Object store secret key"),
		minioBucket:    fs.StringLong("minio-bucket", "invoices", "Object store bucket"),
		minioSSL:       fs.BoolLong("minio-ssl", "Use TLS for the object store"),

		amqpURL:   fs.StringLong("amqp-url", "", "RabbitMQ URL (run uses an in-process queue when empty)"),
		queueName: fs.StringLong("queue-name", "billify-jobs", "Job queue name"),

		scanner:         fs.StringLong("scanner", "gemini", "Analysis backend: 'gemini' or 'ollama'"),
		geminiKey:       fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)"),
		geminiModel:     fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name"),
		ollamaURL:       fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL"),
		ollamaModel:     fs.StringLong("ollama-model", "llava", "Ollama model name"),
		analysisTimeout: fs.DurationLong("analysis-timeout", 5*time.Minute, "Per document analysis limit"),

		smtpHost:  fs.StringLong("smtp-host", "", "SMTP host; notifications are only logged when empty"),
		smtpPort:  fs.IntLong("smtp-port", 587, "SMTP port"),
		smtpUser:  fs.StringLong("smtp-user", "", "SMTP username"),
		smtpPass:  fs.StringLong("smtp-pass", "", "SMTP password"),
		smtpMax:   fs.IntLong("smtp-max-sessions", notify.DefaultMaxSessions, "Concurrent SMTP sessions"),
		mailFrom:  fs.StringLong("mail-from", "billify@localhost", "Sender address"),
		publicURL: fs.StringLong("public-url", "http://localhost:8080", "Base URL of the intake server, used in verification links"),
		tokenTTL:  fs.DurationLong("token-ttl", 72*time.Hour, "Lifetime of verification links"),

		billRetention: fs.DurationLong("bill-retention", 0, "Expire bills after this long (0 keeps them forever)"),
		scanPageSize:  fs.IntLong("scan-page-size", billing.DefaultPageSize, "Bills read per page during aggregation"),
		timezone:      fs.StringLong("timezone", "UTC", "Time zone for schedules and report months"),
	}
}

type serveFlags struct {
	addr *string
}

func newServeFlags(fs *ff.FlagSet) *serveFlags {
	return &serveFlags{addr: fs.StringLong("addr", ":8080", "HTTP listen address")}
}

type workerFlags struct {
	batchSize   *int
	batchWait   *time.Duration
	concurrency *int
	policy      *string
}

func newWorkerFlags(fs *ff.FlagSet) *workerFlags {
	defaults := extraction.DefaultConfig()
	return &workerFlags{
		batchSize:   fs.IntLong("batch-size", defaults.BatchSize, "Jobs per batch"),
		batchWait:   fs.DurationLong("batch-wait", defaults.BatchWait, "Longest wait to fill a batch"),
		concurrency: fs.IntLong("concurrency", defaults.Concurrency, "Batches processed in parallel"),
		policy:      fs.StringLong("failure-policy", defaults.Policy.String(), "On analysis failure: 'commit' a zero total or 'quarantine' the job"),
	}
}

type scheduleFlags struct {
	schedule      *string
	purgeSchedule *string
}

func newScheduleFlags(fs *ff.FlagSet) *scheduleFlags {
	return &scheduleFlags{
		schedule:      fs.StringLong("schedule", aggregation.DefaultSchedule, "Cron spec for the monthly report"),
		purgeSchedule: fs.StringLong("purge-schedule", aggregation.DefaultPurgeSchedule, "Cron spec for the expired bill sweep"),
	}
}

func newMetricsFlag(fs *ff.FlagSet) *string {
	return fs.StringLong("metrics-addr", ":9090", "Prometheus listen address (empty disables)")
}
