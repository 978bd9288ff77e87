package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"veil/cfg"
	"veil/pkg/domain"
	"veil/svc/api"
	"veil/svc/auth"
	"veil/svc/cache"
	"veil/svc/db"
	"veil/svc/lim"
	"veil/svc/store"
	"veil/svc/svc"
	"veil/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func main() {
	health := flag.Bool("health", false, "check that the store files are readable and exit")
	flag.Parse()

	util.InitLog("info", false)
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if *health {
		if err := checkStores(c); err != nil {
			util.Error().Err(err).Msg("health check failed")
			os.Exit(1)
		}
		os.Exit(0)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")

	if err := run(c); err != nil {
		util.Fatal().Err(err).Msg("portal stopped")
		os.Exit(1)
	}
}

func checkStores(c *cfg.Cfg) error {
	if _, err := store.NewConfigStore(c.ConfigPath).Load(); err != nil {
		return err
	}
	if _, ok, err := store.NewCredentialStore(c.CredentialsPath).Load(); err != nil {
		return err
	} else if !ok {
		return errors.New("credentials not bootstrapped")
	}
	_, err := store.NewPayloadStore(c.PayloadsPath).Load()
	return err
}

func run(c *cfg.Cfg) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configs := store.NewConfigStore(c.ConfigPath)
	creds := store.NewCredentialStore(c.CredentialsPath)
	payloadStore := store.NewPayloadStore(c.PayloadsPath)

	cred, created, err := auth.Bootstrap(configs, creds)
	if err != nil {
		if errors.Is(err, domain.ErrMissingBootstrapCredentials) {
			return errors.Wrap(err, c.ConfigPath)
		}
		return errors.Wrap(err, "bootstrap")
	}
	if created {
		util.Info().Str("path", c.CredentialsPath).Msg("credentials stored, plaintext removed from config")
	}

	portal, err := configs.Load()
	if err != nil {
		return errors.Wrap(err, "load portal config")
	}
	devPath, err := store.NormalizeDevPath(portal.DevPath)
	if err != nil {
		return err
	}
	if _, err := payloadStore.Load(); err != nil {
		return errors.Wrap(err, "load payloads")
	}
	// Prime the fallback before the first request.
	configs.DecoyURL()

	sealer, err := auth.NewSealer(c.SessionTTL)
	if err != nil {
		return err
	}
	defer sealer.Close()

	var rdb *db.Redis
	if c.RedisURL != "" {
		rctx, cancel := context.WithTimeout(ctx, c.RedisTimeout)
		rdb, err = db.NewRedis(rctx, c.RedisURL, c.RedisTimeout)
		cancel()
		if err != nil {
			if c.Environment == "production" {
				return errors.Wrap(err, "redis required in production when REDIS_URL is set")
			}
			util.Warn().Err(err).Msg("redis unavailable, using in-process revocation and rate limits")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	var revoker auth.Revoker
	var counter lim.Counter
	if rdb != nil {
		revoker = rdb
		counter = rdb
	} else {
		revocations, err := cache.NewRevocations(c.RevocationCacheSize)
		if err != nil {
			return err
		}
		revoker = revocations
	}

	var journal svc.Journal
	var sqlJournal *db.Journal
	quitMaintenance := make(chan struct{})
	maintenanceDone := make(chan struct{})
	if c.JournalPath != "" {
		sqlJournal, err = db.NewJournal(c.JournalPath)
		if err != nil {
			return errors.Wrap(err, "open journal")
		}
		defer sqlJournal.Close()
		journal = sqlJournal
		go func() {
			defer close(maintenanceDone)
			db.StartMaintenance(sqlJournal, c.JournalRetention, quitMaintenance)
		}()
		util.Info().Str("path", c.JournalPath).Dur("retention", c.JournalRetention).Msg("journal enabled")
	} else {
		close(maintenanceDone)
	}
	recorder := svc.NewRecorder(journal, 2)

	limiter := lim.New(c.LoginRateLimit, c.LoginBurst, counter, c.TrustedProxies)
	defer limiter.Stop()

	manager := auth.NewManager(
		auth.NewChecker(cred, c.MinLoginDuration),
		sealer,
		revoker,
		auth.CookieOptions{Name: c.SessionCookie, Secure: c.CookieSecure},
	)
	server, err := api.NewServer(api.Deps{
		Cfg:      c,
		DevPath:  devPath,
		Decoy:    configs,
		Auth:     manager,
		Limiter:  limiter,
		Payloads: svc.NewPayloads(payloadStore, recorder),
		Recorder: recorder,
	})
	if err != nil {
		return err
	}

	var internal *api.Internal
	if c.InternalAddr != "" {
		probes := map[string]api.Probe{
			"config": api.ProbeFunc(func(context.Context) error {
				_, err := configs.Load()
				return err
			}),
			"payloads": api.ProbeFunc(func(context.Context) error {
				_, err := payloadStore.Load()
				return err
			}),
		}
		if rdb != nil {
			probes["redis"] = rdb
		}
		if sqlJournal != nil {
			probes["journal"] = sqlJournal
		}
		internal = api.NewInternal(c, probes)
	}

	util.Info().
		Str("port", c.Port).
		Str("environment", c.Environment).
		Str("admin", devPath+"/login").
		Str("payloads", domain.PublicPrefix+"/<slug>").
		Msg("portal starting; every other route redirects to the decoy")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	if internal != nil {
		g.Go(internal.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			util.Error().Err(err).Msg("server shutdown error")
		}
		if internal != nil {
			if err := internal.Shutdown(shutdownCtx); err != nil {
				util.Error().Err(err).Msg("internal server shutdown error")
			}
		}
		return nil
	})
	err = g.Wait()

	recorder.Shutdown()
	close(quitMaintenance)
	select {
	case <-maintenanceDone:
	case <-time.After(6 * time.Second):
		util.Warn().Msg("journal maintenance did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
	return err
}
