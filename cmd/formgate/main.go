package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/formgate/formgate/internal/audit"
	"github.com/formgate/formgate/internal/challenge"
	"github.com/formgate/formgate/internal/httpx"
	"github.com/formgate/formgate/internal/metrics"
	"github.com/formgate/formgate/internal/protect"
	"github.com/formgate/formgate/internal/sink"
	"github.com/formgate/formgate/internal/store"
	"github.com/formgate/formgate/internal/token"
	"github.com/formgate/formgate/pkg/config"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.RedisAddr != "" {
		st = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		log.Printf("using redis store at %s", cfg.RedisAddr)
	} else {
		st = store.NewMemory()
		log.Printf("using in-memory store; challenge state is per-replica")
	}
	defer st.Close()

	issuer, err := token.NewIssuer(cfg)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	engine := challenge.NewEngine(st, cfg)
	guard := protect.NewGuard(cfg, st, issuer, engine)

	m := metrics.Get()

	sinks, err := sink.FromOutputs(cfg.Outputs)
	if err != nil {
		log.Fatalf("audit sinks: %v", err)
	}
	for _, s := range sinks {
		if err := s.Start(ctx); err != nil {
			log.Fatalf("sink %s: %v", s.Name(), err)
		}
		log.Printf("audit sink %s started", s.Name())
	}

	env := httpx.Env{
		Cfg:     cfg,
		Store:   st,
		Engine:  engine,
		Guard:   guard,
		Issuer:  issuer,
		Metrics: m,
		Emit: func(e audit.Event) {
			for _, s := range sinks {
				if err := s.Enqueue(e); err != nil {
					log.Printf("sink %s: %v", s.Name(), err)
					m.IncrementSinkErrors(s.Name(), "enqueue")
				}
			}
		},
	}

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           httpx.NewMux(env),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := metrics.NewServer(metrics.LoadConfig())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("formgate listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return metricsSrv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("server error: %v", err)
	}

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.Printf("closing sink %s: %v", s.Name(), err)
		}
	}
}
