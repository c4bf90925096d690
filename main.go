package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"signalrelay/src/auth"
	"signalrelay/src/connectors"
	"signalrelay/src/database"
	"signalrelay/src/handler"
	"signalrelay/src/health"
	"signalrelay/src/idempotency"
	"signalrelay/src/linker"
	"signalrelay/src/orchestrator"
	"signalrelay/src/precision"
	"signalrelay/src/reconciler"
	"signalrelay/src/repository"
	"signalrelay/src/server"
)

var (
	APP_NAME = os.Getenv("APP_NAME")
)

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = logger.DebugLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	SetupLogger()
	defer handlePanic()

	app := cli.NewApp()
	app.Name = "Signalrelay CMD"
	app.Usage = "The signalrelay command line interface"

	app.Commands = []cli.Command{
		serveCMD,
		reconcileCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	serveCMD = cli.Command{
		Name:        "serve",
		Usage:       "run the webhook relay server",
		Action:      serveAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the signal intake and execution server`,
	}
	reconcileCMD = cli.Command{
		Name:        "reconcile",
		Usage:       "run a single reconciliation pass",
		Action:      reconcileAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Diff tracked positions against live exchange state once and exit`,
	}
)

// buildCore wires the shared execution plumbing used by both commands.
func buildCore(ctx context.Context) (*connectors.CredentialProvider, *linker.Linker, *repository.PositionRepository, error) {
	provider := connectors.NewCredentialProvider()

	positions := repository.NewPositionRepository()
	lnk := linker.New(positions)

	open, err := positions.FindOpen(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	for i := range open {
		lnk.Restore(&open[i])
	}
	logger.WithField("positions", len(open)).Info("Restored tracked positions")

	return provider, lnk, positions, nil
}

func serveAction(_ *cli.Context) error {
	logger.Info("Starting serve CMD")

	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, lnk, positions, err := buildCore(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to restore positions")
		return err
	}

	guard, err := idempotency.NewGuard()
	if err != nil {
		logger.WithError(err).Error("Failed to open idempotency store")
		return err
	}
	defer guard.Close()

	tracker := health.NewTracker(health.GetConfig().FailureThreshold)

	orch := orchestrator.New(
		logger.WithField("component", "orchestrator"),
		provider,
		precision.NewResolver(10*time.Minute),
		lnk,
		tracker,
		repository.NewExecutionRepository(),
		orchestrator.GetConfig(),
	)

	recConfig := reconciler.GetConfig()
	rec := reconciler.New(
		logger.WithField("component", "reconciler"),
		provider,
		lnk,
		positions,
		repository.NewAccountRepository(),
		repository.NewExecutionRepository(),
		recConfig,
	)
	go func() {
		if err := rec.Start(ctx); err != nil {
			logger.WithError(err).Error("Reconciliation loop exited")
		}
	}()
	if recConfig.StreamURL != "" {
		watcher := reconciler.NewStreamWatcher(
			logger.WithField("component", "stream"),
			recConfig.StreamURL,
			rec,
		)
		go watcher.Start(ctx)
	}

	handlerConfig := handler.GetConfig()
	limiter := auth.NewSourceLimiter(handlerConfig.RatePerMinute, handlerConfig.RateBurst)

	server.StartServer(server.GetConfig().Port, server.Handlers{
		Webhook:      handler.DefaultWebhookHandler(guard, limiter, provider, tracker, orch),
		SignalStatus: handler.DefaultSignalStatusHandler(),
	})

	return nil
}

func reconcileAction(_ *cli.Context) error {
	logger.Info("Starting reconcile CMD")

	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	ctx := context.Background()
	provider, lnk, positions, err := buildCore(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to restore positions")
		return err
	}

	rec := reconciler.New(
		logger.WithField("component", "reconciler"),
		provider,
		lnk,
		positions,
		repository.NewAccountRepository(),
		repository.NewExecutionRepository(),
		reconciler.GetConfig(),
	)

	mismatches, err := rec.ReconcileOnce(ctx)
	if err != nil {
		logger.WithError(err).Error("Reconciliation failed")
		return err
	}

	for _, mismatch := range mismatches {
		logger.WithFields(logger.Fields{
			"account_id": mismatch.AccountID,
			"symbol":     mismatch.Symbol,
		}).Warn(mismatch.Reason)
	}
	logger.WithField("mismatches", len(mismatches)).Info("Reconciliation finished")

	return nil
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
	}
	//nolint
	time.Sleep(time.Second * 5)
}
