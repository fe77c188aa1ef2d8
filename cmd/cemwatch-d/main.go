package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cemwatch/cemwatch/pkg/api"
	"github.com/cemwatch/cemwatch/pkg/auth"
	"github.com/cemwatch/cemwatch/pkg/cemapi"
	"github.com/cemwatch/cemwatch/pkg/discovery"
	"github.com/cemwatch/cemwatch/pkg/engine"
	"github.com/cemwatch/cemwatch/pkg/store"
	"github.com/cemwatch/cemwatch/pkg/store/redis"
)

func main() {
	fmt.Println(`{"level":"info","msg":"system_started","component":"cemwatch-d"}`)

	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf(`{"level":"fatal","msg":"invalid_config","error":"%v"}`+"\n", err)
		os.Exit(1)
	}

	var httpClient *http.Client
	if cfg.InsecureSkipVerify {
		httpClient = &http.Client{
			Timeout: cemapi.RequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
		fmt.Println(`{"level":"warn","msg":"tls_verification_disabled"}`)
	}
	cemClient := cemapi.New(cfg.BaseURL, httpClient)
	authMgr := auth.NewManager(cemClient, cfg.Username, cfg.Password)
	defer authMgr.Stop()

	// First authentication is a setup gate: bad credentials or an
	// unreachable backend should fail the daemon, not limp along.
	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 2*time.Minute)
	if _, _, err := authMgr.EnsureToken(setupCtx); err != nil {
		cancelSetup()
		fmt.Printf(`{"level":"fatal","msg":"authentication_failed","error":"%v"}`+"\n", err)
		os.Exit(1)
	}
	fmt.Println(`{"level":"info","msg":"authenticated"}`)

	// Types cache: load if fresh, otherwise fetch and save.
	typesCache, err := store.NewTypesCache(cfg.CachePath)
	if err != nil {
		cancelSetup()
		fmt.Printf(`{"level":"fatal","msg":"failed_to_open_types_cache","error":"%v"}`+"\n", err)
		os.Exit(1)
	}
	defer typesCache.Close()

	potTypes, _, ok := typesCache.Load()
	if !ok {
		potTypes, err = fetchTypes(setupCtx, cemClient, authMgr, typesCache)
		if err != nil {
			fmt.Printf(`{"level":"warn","msg":"types_fetch_failed","error":"%v"}`+"\n", err)
			potTypes = nil
		}
	}

	// Discovery: objects, meters, counters, counter selection.
	discoverer := discovery.NewDiscoverer(cemClient, authMgr)
	discoverer.PotTypes = potTypes
	if len(cfg.VarIDs) > 0 {
		discoverer.AllowVarIDs = make(map[int]bool, len(cfg.VarIDs))
		for _, id := range cfg.VarIDs {
			discoverer.AllowVarIDs[id] = true
		}
	}
	topo, err := discoverer.Discover(setupCtx)
	cancelSetup()
	if err != nil {
		fmt.Printf(`{"level":"fatal","msg":"discovery_failed","error":"%v"}`+"\n", err)
		os.Exit(1)
	}

	session := engine.NewSession()
	for _, entry := range topo.Meters {
		for _, counter := range entry.Counters {
			if !containsInt(entry.SelectedVarIDs, counter.VarID) {
				continue
			}
			info := engine.CounterInfo{
				VarID:       counter.VarID,
				CounterName: counter.Name,
				Unit:        counter.Unit,
				MeterID:     entry.Meter.ID,
				MeterName:   entry.Meter.Name,
				MeterSerial: entry.Meter.Serial,
				ObjectID:    entry.Meter.ObjectID,
				ObjectName:  entry.ObjectName,
			}
			varID := counter.VarID
			coord := engine.NewCoordinator(fmt.Sprintf("cem reading(var=%d)", varID), authMgr, func(ctx context.Context, token, cookie string) (cemapi.Reading, error) {
				return cemClient.GetCounterReading(ctx, varID, token, cookie)
			})
			session.Track(info, coord)
		}
	}
	if session.Size() == 0 {
		fmt.Println(`{"level":"fatal","msg":"no_counters_to_track"}`)
		os.Exit(1)
	}
	fmt.Printf(`{"level":"info","msg":"session_ready","counters":%d}`+"\n", session.Size())

	refresher := engine.NewBatchRefresher(cemClient, authMgr, session)
	poller := engine.NewPoller(session, refresher, authMgr, cfg.PollInterval)

	if cfg.RedisAddr != "" {
		redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		poller.AddSink(redis.NewReadingStore(redisClient))
		fmt.Printf(`{"level":"info","msg":"redis_mirror_enabled","addr":"%s"}`+"\n", cfg.RedisAddr)
	}

	server := api.NewServer(session, authMgr, topo, cfg.Addr)
	if cfg.TLSCertFile != "" {
		server.SetTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go poller.Start(ctx)
	go func() {
		if err := server.Start(); err != nil {
			fmt.Printf(`{"level":"fatal","msg":"server_failed","error":"%v"}`+"\n", err)
			os.Exit(1)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	fmt.Printf(`{"level":"info","msg":"shutdown_initiated","signal":"%s"}`+"\n", sig)

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Stop(shutdownCtx); err != nil {
		fmt.Printf(`{"level":"error","msg":"server_shutdown_failed","error":"%v"}`+"\n", err)
	}

	fmt.Println(`{"level":"info","msg":"shutdown_complete"}`)
}

// fetchTypes pulls the pot type and counter value type tables through the
// coordinator path and persists them for the next start.
func fetchTypes(ctx context.Context, cemClient *cemapi.Client, authMgr *auth.Manager, cache *store.TypesCache) (map[int]cemapi.PotType, error) {
	potCoord := engine.NewCoordinator("cem pot types", authMgr, func(ctx context.Context, token, cookie string) (map[int]cemapi.PotType, error) {
		return cemClient.GetPotTypes(ctx, token, cookie)
	})
	if err := potCoord.Poll(ctx); err != nil {
		return nil, err
	}
	valueCoord := engine.NewCoordinator("cem value types", authMgr, func(ctx context.Context, token, cookie string) (map[int]string, error) {
		return cemClient.GetCounterValueTypes(ctx, token, cookie, 0)
	})
	if err := valueCoord.Poll(ctx); err != nil {
		return nil, err
	}

	potTypes, _, _ := potCoord.Last()
	valueTypes, _, _ := valueCoord.Last()
	if err := cache.Save(potTypes, valueTypes); err != nil {
		fmt.Printf(`{"level":"warn","msg":"types_cache_save_failed","error":"%v"}`+"\n", err)
	}
	return potTypes, nil
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
