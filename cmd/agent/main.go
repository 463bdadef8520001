package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/CAFxX/httpcompression"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"

	"github.com/getsentry/apmcore/internal/advice"
	"github.com/getsentry/apmcore/internal/aggregate"
	"github.com/getsentry/apmcore/internal/config"
	"github.com/getsentry/apmcore/internal/envutil"
	"github.com/getsentry/apmcore/internal/httputil"
	"github.com/getsentry/apmcore/internal/logutil"
	"github.com/getsentry/apmcore/internal/storageprovider"
	"github.com/getsentry/apmcore/internal/storageutil"
)

type environment struct {
	config config.AgentConfig

	collector *aggregate.Collector
	advice    *advice.Cache
	refresher *refresher

	storage          *storage.Client
	aggregatesBucket *blob.Bucket
	artifactsBucket  *blob.Bucket
	aggregatesWriter *kafka.Writer
	bigquery         *bigquery.Client

	cancel    context.CancelFunc
	collected chan struct{}
}

var release string

func newEnvironment(cfg config.AgentConfig, configPath string) (*environment, error) {
	e := environment{config: cfg}
	ctx := context.Background()

	sinks, err := e.newSinks(ctx)
	if err != nil {
		return nil, err
	}
	e.collector = aggregate.NewCollector(sentry.CurrentHub(), sinks...)

	var opts []advice.Option
	registry := advice.NewRegistry()
	if cfg.Instrumentation {
		dir := filepath.Join(cfg.DataDir, "tmp")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		e.artifactsBucket, err = fileblob.OpenBucket(dir, nil)
		if err != nil {
			return nil, err
		}
		opts = append(opts, advice.WithBundleLoader(&advice.BlobLoader{
			Bucket:   e.artifactsBucket,
			Registry: registry,
		}))
	} else {
		opts = append(opts, advice.WithLoader(advice.ContextLoader{Registry: registry}))
	}
	e.advice, err = advice.New(ctx, nil, cfg.Pointcuts, advice.DescriptorGenerator{}, opts...)
	if err != nil {
		return nil, err
	}

	var source config.Source
	switch {
	case cfg.RemoteConfigURL != "":
		source, err = config.NewRemoteSource(cfg.RemoteConfigURL, 5*time.Second)
		if err != nil {
			return nil, err
		}
	case configPath != "":
		source = config.FileSource{Path: configPath}
	}
	if source != nil {
		e.refresher = &refresher{source: source, cache: e.advice, hub: sentry.CurrentHub()}
	}
	return &e, nil
}

func (e *environment) newSinks(ctx context.Context) ([]aggregate.Sink, error) {
	var sinks []aggregate.Sink
	if e.config.AggregatesBucket != "" {
		u, err := url.Parse(e.config.AggregatesBucket)
		if err != nil {
			return nil, err
		}
		sink := &aggregate.StorageSink{
			Prefix:   "aggregates",
			Encoding: storageutil.Encoding(e.config.AggregatesEncoding),
		}
		if u.Scheme == "gs" {
			e.storage, err = storage.NewClient(ctx)
			if err != nil {
				return nil, err
			}
			sink.Storage = &storageprovider.Gcs{BucketHandle: e.storage.Bucket(u.Host)}
		} else {
			e.aggregatesBucket, err = blob.OpenBucket(ctx, e.config.AggregatesBucket)
			if err != nil {
				return nil, err
			}
			sink.Storage = &storageprovider.Blob{Bucket: e.aggregatesBucket}
		}
		sinks = append(sinks, sink)
	}
	if len(e.config.AggregatesKafkaBroker) > 0 {
		e.aggregatesWriter = &kafka.Writer{
			Addr:         kafka.TCP(e.config.AggregatesKafkaBroker...),
			Balancer:     kafka.CRC32Balancer{},
			BatchSize:    100,
			Compression:  kafka.Lz4,
			ReadTimeout:  3 * time.Second,
			Topic:        e.config.AggregatesKafkaTopic,
			WriteTimeout: 3 * time.Second,
		}
		sinks = append(sinks, &aggregate.KafkaSink{Writer: e.aggregatesWriter, AgentID: e.config.AgentID})
	}
	if e.config.AggregatesBigQueryTable != "" {
		parts := strings.Split(e.config.AggregatesBigQueryTable, ".")
		if len(parts) != 3 {
			return nil, fmt.Errorf("bigquery table %q should be project.dataset.table", e.config.AggregatesBigQueryTable)
		}
		var err error
		e.bigquery, err = bigquery.NewClient(ctx, parts[0])
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, &aggregate.BigQuerySink{
			Inserter: e.bigquery.Dataset(parts[1]).Table(parts[2]).Inserter(),
			AgentID:  e.config.AgentID,
		})
	}
	return sinks, nil
}

func (e *environment) start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.collected = make(chan struct{})
	go func() {
		e.collector.Run(ctx, e.config.FlushInterval)
		close(e.collected)
	}()
	if e.refresher != nil {
		go e.refresher.run(ctx, e.config.ConfigPollInterval)
	}
}

func (e *environment) shutdown() {
	if e.cancel != nil {
		e.cancel()
		// the collector writes the last partial window before returning
		<-e.collected
	}
	if e.aggregatesWriter != nil {
		if err := e.aggregatesWriter.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	if e.bigquery != nil {
		if err := e.bigquery.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	if e.storage != nil {
		if err := e.storage.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	for _, b := range []*blob.Bucket{e.aggregatesBucket, e.artifactsBucket} {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	sentry.Flush(5 * time.Second)
}

func (e *environment) newRouter() (*httprouter.Router, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{http.MethodGet, "/advice", e.getAdvice},
		{http.MethodGet, "/advice/matches", e.getAdviceMatches},
		{http.MethodGet, "/aggregates", e.getTransactionTypes},
		{http.MethodGet, "/aggregates/:transaction_type", e.getAggregate},
		{http.MethodGet, "/health", e.getHealth},
		{http.MethodPost, "/pointcuts", e.postPointcuts},
		{http.MethodPost, "/transactions", e.postTransaction},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := e.traced(route.path, route.handler)
		handlerFunc = httputil.DecompressPayload(handlerFunc)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}

	return router, nil
}

const httpStatusCodeTag = "http.response.status_code"

// beforeSend tags every event with the agent and, for events sent while
// handling a request, the response status code. Explicit tags win.
func beforeSend(agentID string) func(*sentry.Event, *sentry.EventHint) *sentry.Event {
	return func(e *sentry.Event, hint *sentry.EventHint) *sentry.Event {
		if e.Tags == nil {
			e.Tags = make(map[string]string)
		}
		if _, exists := e.Tags["agent_id"]; !exists && agentID != "" {
			e.Tags["agent_id"] = agentID
		}
		if hint == nil || hint.Response == nil {
			return e
		}
		if _, exists := e.Tags[httpStatusCodeTag]; !exists {
			e.Tags[httpStatusCodeTag] = strconv.Itoa(hint.Response.StatusCode)
		}
		return e
	}
}

func main() {
	logutil.ConfigureLogger()

	configPath := envutil.GetEnvOrFallback("APM_CONFIG_FILE", "")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("can't load config")
	}
	if err := logutil.SetLevel(cfg.LogLevel); err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("invalid log level")
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		BeforeSend:       beforeSend(cfg.AgentID),
		Environment:      cfg.Environment,
		Release:          release,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	env, err := newEnvironment(cfg, configPath)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up environment")
	}

	router, err := env.newRouter()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the router")
	}

	server := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: sentryhttp.New(sentryhttp.Options{}).Handle(router),
	}

	env.start()

	waitForShutdown := make(chan struct{})
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c

		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(cctx); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("error shutting down server")
		}

		close(waitForShutdown)
	}()

	log.Info().Str("port", cfg.Port).Bool("instrumentation", cfg.Instrumentation).Msg("agent started")
	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
	}

	<-waitForShutdown

	// Shutdown the rest of the environment after the HTTP connections are closed
	env.shutdown()
}
