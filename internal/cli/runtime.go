package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/completion"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/embedding"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/jobs"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/library"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/metrics"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/store"
)

func opener() *store.Opener {
	return store.NewOpener(cfg.Resolver())
}

func newPipeline(ctx context.Context, m *metrics.Metrics) *jobs.Pipeline {
	capability, err := completion.New(ctx, cfg.CompletionConfig())
	if err != nil {
		exitErr("setup completion", err)
	}
	emb, err := embedding.New(ctx, cfg.EmbeddingConfig())
	if err != nil {
		exitErr("setup embedding", err)
	}
	opts := cfg.JobOptions()
	opts.Embedder = emb
	opts.Logger = slog.Default()
	opts.Metrics = m
	return jobs.New(opener(), capability, opts)
}

func newAggregator(m *metrics.Metrics) *library.Aggregator {
	return library.New(opener(), library.Options{
		Concurrency: cfg.Library.Concurrency,
		Logger:      slog.Default(),
		Metrics:     m,
	})
}

// serveMetrics registers the cqm collectors and serves them on addr until
// ctx is done. An empty addr returns nil metrics and serves nothing.
func serveMetrics(ctx context.Context, addr string) *metrics.Metrics {
	if addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	slog.Info("serving metrics", "addr", addr)
	return m
}
