// Command conductor-demo runs the employee onboarding scenario against the
// configured storage backend.
//
// Configuration comes from the environment (see internal/config), e.g.
//
//	STORAGE_BACKEND=sqlite LOG_FORMAT=pretty METRICS_ADDR=:9090 conductor-demo
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/conductor/internal/config"
	"github.com/petrijr/conductor/internal/cron"
	"github.com/petrijr/conductor/internal/engine"
	"github.com/petrijr/conductor/internal/logging"
	"github.com/petrijr/conductor/internal/metrics"
	"github.com/petrijr/conductor/internal/onboarding"
	"github.com/petrijr/conductor/pkg/api"
)

var (
	headerStyle = color.New(color.FgCyan, color.Bold)
	okStyle     = color.New(color.FgGreen)
	failStyle   = color.New(color.FgRed)
	detailStyle = color.New(color.Faint)
)

func main() {
	if err := run(); err != nil {
		failStyle.Fprintf(os.Stderr, "conductor-demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(ctx, logging.Options{
		Format:  cfg.Logger.Format,
		Level:   cfg.Logger.Level,
		OTLP:    cfg.Logger.OTLP,
		Service: cfg.ServiceName(),
		Version: cfg.Version,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = logger.Shutdown(shutdownCtx)
	}()

	observers := []api.Observer{api.NewLoggingObserver(logger.Logger)}
	var reg *prometheus.Registry
	if cfg.Metrics.Addr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err := metrics.NewPrometheusObserver(reg, "conductor")
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		observers = append(observers, prom)
	}

	ecfg := engine.Config{
		Observer:                 api.NewCompositeObserver(observers...),
		Logger:                   logger.Logger,
		OrchestrationWorkers:     cfg.Engine.OrchestrationWorkers,
		ActivityWorkers:          cfg.Engine.ActivityWorkers,
		MaxConcurrentEntityTurns: cfg.Engine.MaxEntityTurns,
		ActivityTimeout:          cfg.Engine.ActivityTimeout,
		BaseURL:                  cfg.Engine.BaseURL,
		DefaultRetry: &api.RetryPolicy{
			MaxAttempts:       cfg.Engine.DefaultRetryAttempts,
			InitialBackoff:    cfg.Engine.DefaultRetryBackoff,
			BackoffMultiplier: 2,
		},
	}
	closer, err := openBackend(ctx, cfg.Storage, &ecfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	eng := engine.NewEngineWithConfig(ecfg)
	if err := onboarding.Register(eng, onboarding.NewFakeActivities(logger.Logger), onboarding.Options{}); err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	logger.Info("engine_started",
		slog.String("backend", string(cfg.Storage.Backend)),
		slog.Int("orchestration_workers", cfg.Engine.OrchestrationWorkers),
	)

	g, gctx := errgroup.WithContext(ctx)
	background := false

	if reg != nil {
		background = true
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(reg)}
		g.Go(func() error {
			logger.Info("metrics_listening", slog.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if spec := cfg.Schedule.QuoteRefresh; spec != "" {
		background = true
		sched := cron.New(eng, nil, logger.Logger)
		if err := sched.Add(onboarding.OrchestratorQuoteRefresh, spec, func(at time.Time) any {
			return onboarding.RefreshArgs{EmployeeID: uuid.Must(uuid.NewV7())}
		}); err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	if err := runScenario(gctx, eng); err != nil {
		return err
	}

	if background {
		detailStyle.Println("serving until interrupted")
		<-gctx.Done()
	} else {
		stop()
	}
	return g.Wait()
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	return mux
}

// runScenario hires one employee through the Department entity and approves
// them, then shows what an unbelievable age does to an onboarding.
func runScenario(ctx context.Context, eng *engine.Engine) error {
	headerStyle.Println("=== Scenario 1: hire through the Department entity ===")
	dept := api.NewEntityID(onboarding.EntityDepartment, "engineering")
	if err := eng.SignalEntity(ctx, dept, onboarding.OperationHire, onboarding.NewEmployee{FullName: "Ada Lovelace", Age: 36}); err != nil {
		return err
	}

	id, err := waitForHire(ctx, eng, dept)
	if err != nil {
		return err
	}
	payload, err := eng.ManagementPayload(ctx, id)
	if err != nil {
		return err
	}
	detailStyle.Printf("status:  %s\napprove: %s\n", payload.StatusQueryURL, payload.RaiseEventURL)

	if err := waitForCustomStatus(ctx, eng, id, onboarding.StatusWaitingForApproval); err != nil {
		return err
	}
	okStyle.Println("waiting for approval, approving")
	if err := eng.RaiseEvent(ctx, id, onboarding.ApprovalEvent, true); err != nil {
		return err
	}
	if err := report(ctx, eng, id); err != nil {
		return err
	}

	fmt.Println()
	headerStyle.Println("=== Scenario 2: onboarding an unbelievable age ===")
	id, err = eng.StartOrchestration(ctx, onboarding.OrchestratorOnboarding, onboarding.NewEmployee{FullName: "Methuselah", Age: 969})
	if err != nil {
		return err
	}
	return report(ctx, eng, id)
}

func waitForHire(ctx context.Context, eng *engine.Engine, dept api.EntityID) (string, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		state, err := eng.GetEntity(ctx, dept)
		if err == nil {
			var ds onboarding.DepartmentState
			if err := state.ReadState(&ds); err != nil {
				return "", err
			}
			if n := len(ds.Hires); n > 0 {
				return ds.Hires[n-1].InstanceID, nil
			}
		} else if !errors.Is(err, api.ErrEntityNotFound) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func waitForCustomStatus(ctx context.Context, eng *engine.Engine, id, want string) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := eng.GetStatus(ctx, id)
		if err != nil {
			return err
		}
		var custom string
		_ = st.ReadCustomStatus(&custom)
		if custom == want {
			return nil
		}
		if st.IsTerminal() {
			return fmt.Errorf("instance %s ended as %s before reaching %q", id, st.Status, want)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func report(ctx context.Context, eng *engine.Engine, id string) error {
	st, err := eng.WaitForCompletion(ctx, id)
	if err != nil {
		return err
	}
	if st.Status != api.StatusCompleted {
		failStyle.Printf("%s %s: %v\n", id, st.Status, st.Err())
		return nil
	}
	var res onboarding.Result
	if err := st.ReadOutput(&res); err != nil {
		return err
	}
	okStyle.Printf("%s %s: employee %s, best quote %s %.0f, %s\n",
		id, st.Status, res.EmployeeID, res.BestQuote.Dealer, res.BestQuote.Amount, res.Outcome)
	return nil
}
