// Command syncwatch is a headless dashboard: it loads patients from the
// CRUD service, follows the relay and logs the aggregate stats every time
// they change.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/phcsync/internal/client"
	"github.com/dkeye/phcsync/internal/config"
	"github.com/dkeye/phcsync/internal/domain"
	"github.com/dkeye/phcsync/internal/patientapi"
	"github.com/dkeye/phcsync/internal/reconcile"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fs := pflag.NewFlagSet("syncwatch", pflag.ExitOnError)
	config.ClientFlags(fs)
	setRisk := fs.String("set_risk", "", "after loading, set a risk level, e.g. 42:high")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadClient(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	role, err := client.ParseRole(cfg.Role)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid role")
	}

	store := reconcile.NewStore(reconcile.State{})
	store.Subscribe(func(s reconcile.State) {
		ev := log.Info().Str("module", "syncwatch").
			Int("total_patients", s.Stats.TotalPatients).
			Int("high_risk", s.Stats.HighRiskCount).
			Int("adherence_rate", s.Stats.AdherenceRate)
		if s.Err != "" {
			ev = ev.Str("error", s.Err)
		}
		ev.Msg("stats")
	})

	conn := client.NewConn(client.ConnOptions{
		URL:          cfg.ServerURL,
		Rooms:        role.Rooms(domain.PatientID(cfg.PatientID)),
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	})
	api := patientapi.New(cfg.APIURL, patientapi.Options{Timeout: cfg.APITimeout, RetryCount: 2})
	syncer, err := client.NewSynchronizer(api, conn, store, role)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build synchronizer")
	}

	go conn.Run(ctx)
	go client.NewBridge(store).Run(ctx, conn.Events())

	if err := syncer.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("initial load failed")
	}

	if *setRisk != "" {
		if err := applyRisk(ctx, syncer, *setRisk); err != nil {
			log.Error().Err(err).Str("set_risk", *setRisk).Msg("risk update failed")
		}
	}

	<-ctx.Done()
	log.Info().Msg("syncwatch stopped")
}

func applyRisk(ctx context.Context, syncer *client.Synchronizer, arg string) error {
	id, raw, ok := strings.Cut(arg, ":")
	if !ok {
		return fmt.Errorf("want <patient>:<level>, got %q", arg)
	}
	level, err := domain.ParseRiskLevel(raw)
	if err != nil {
		return err
	}
	// PUT is idempotent, so retrying until the relay socket is up is safe
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := syncer.SetRiskLevel(ctx, domain.PatientID(id), level)
		if err == nil || time.Now().After(deadline) || !errors.Is(err, client.ErrNotConnected) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
