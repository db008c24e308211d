package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/viper"

	"github.com/dmoren/styleforge/pkg/api"
	"github.com/dmoren/styleforge/pkg/genclient"
	"github.com/dmoren/styleforge/pkg/logging"
	"github.com/dmoren/styleforge/pkg/metrics"
	"github.com/dmoren/styleforge/pkg/ratelimit"
	"github.com/dmoren/styleforge/pkg/retrypolicy"
	"github.com/dmoren/styleforge/pkg/scheduler"
	"github.com/dmoren/styleforge/pkg/scorer"
	"github.com/dmoren/styleforge/pkg/shutdown"
	"github.com/dmoren/styleforge/pkg/store"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default: ./forged.yaml or /etc/styleforge/forged.yaml)")
	flag.Parse()

	loadConfig(*cfgFile)

	log, err := logging.NewFileLogger("forged", logging.ParseLevel(viper.GetString("log.level")), viper.GetBool("log.json"))
	if err != nil {
		fallback := logging.NewLogger(logging.INFO, false)
		fallback.Warn("file logging unavailable, using stdout", map[string]interface{}{"error": err.Error()})
		log = fallback
	}

	dataStore, err := store.NewStore(store.Config{
		Type:            viper.GetString("store.type"),
		DSN:             viper.GetString("store.dsn"),
		MaxOpenConns:    viper.GetInt("store.max_open_conns"),
		MaxIdleConns:    viper.GetInt("store.max_idle_conns"),
		ConnMaxLifetime: viper.GetDuration("store.conn_max_lifetime"),
	})
	if err != nil {
		log.Fatal("failed to open store", map[string]interface{}{"error": err.Error()})
	}

	genClient := genclient.NewHTTPClient(genclient.HTTPClientConfig{
		BaseURL:        viper.GetString("generation.url"),
		APIKey:         viper.GetString("generation.api_key"),
		RequestTimeout: viper.GetDuration("generation.request_timeout"),
		SubmitRPS:      viper.GetFloat64("generation.submit_rps"),
		SubmitBurst:    viper.GetInt("generation.submit_burst"),
	})

	consistencyScorer := scorer.NewHTTPScorer(
		viper.GetString("scorer.url"),
		viper.GetDuration("scorer.request_timeout"),
	)

	retryController := retrypolicy.New(retrypolicy.Config{
		MaxAttempts:    viper.GetInt("retry.max_attempts"),
		ScoreRetries:   viper.GetInt("retry.score_retries"),
		InitialBackoff: viper.GetDuration("retry.initial_backoff"),
		MaxBackoff:     viper.GetDuration("retry.max_backoff"),
		Multiplier:     viper.GetFloat64("retry.multiplier"),
	})

	collector := metrics.NewCollector()

	sched := scheduler.New(dataStore, genClient, consistencyScorer, retryController, scheduler.Config{
		Concurrency:     viper.GetInt("scheduler.concurrency"),
		AttemptTimeout:  viper.GetDuration("scheduler.attempt_timeout"),
		PollInterval:    viper.GetDuration("scheduler.poll_interval"),
		ScoreRetryDelay: viper.GetDuration("scheduler.score_retry_delay"),
	}, log, collector)

	router := mux.NewRouter()

	if apiKey := viper.GetString("api.key"); apiKey != "" {
		router.Use(api.AuthMiddleware(apiKey, viper.GetBool("api.key_is_hashed")))
	} else {
		log.Warn("API authentication disabled, set api.key to enable")
	}
	if rps := viper.GetFloat64("api.rate_limit_rps"); rps > 0 {
		limiter := ratelimit.NewLimiter(rps, viper.GetInt("api.rate_limit_burst"))
		router.Use(limiter.Middleware(ratelimit.IPKeyFunc))
	}

	api.NewHandler(dataStore, sched, log).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         viper.GetString("api.addr"),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", metrics.Handler()).Methods("GET")
	metricsSrv := &http.Server{
		Addr:         viper.GetString("metrics.addr"),
		Handler:      metricsRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	mgr := shutdown.New(viper.GetDuration("shutdown.timeout"))
	mgr.Register(shutdown.CloseResource(dataStore, "store"))
	mgr.Register(shutdown.WaitForBatches(func() bool { return sched.ActiveBatches() == 0 }, time.Second))
	mgr.Register(shutdown.StopHTTPServer(metricsSrv, "metrics"))
	mgr.Register(shutdown.StopHTTPServer(srv, "api"))

	go func() {
		log.Info("metrics server listening", map[string]interface{}{"addr": metricsSrv.Addr})
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	go func() {
		log.Info("api server listening", map[string]interface{}{
			"addr":  srv.Addr,
			"store": viper.GetString("store.type"),
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("api server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	mgr.Wait()
	log.Info("shutting down")
	mgr.Shutdown()
	log.Close()
}

func loadConfig(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("forged")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/styleforge")
	}

	viper.SetEnvPrefix("STYLEFORGE")
	viper.AutomaticEnv()

	viper.SetDefault("api.addr", ":8080")
	viper.SetDefault("metrics.addr", ":9090")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.json", false)
	viper.SetDefault("store.type", "memory")
	viper.SetDefault("generation.url", "http://localhost:7070")
	viper.SetDefault("generation.request_timeout", 30*time.Second)
	viper.SetDefault("generation.submit_rps", 2.0)
	viper.SetDefault("generation.submit_burst", 2)
	viper.SetDefault("scorer.url", "http://localhost:7071")
	viper.SetDefault("scorer.request_timeout", 30*time.Second)
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.score_retries", 3)
	viper.SetDefault("retry.initial_backoff", 2*time.Second)
	viper.SetDefault("retry.max_backoff", 60*time.Second)
	viper.SetDefault("retry.multiplier", 2.0)
	viper.SetDefault("scheduler.concurrency", 5)
	viper.SetDefault("scheduler.attempt_timeout", 2*time.Minute)
	viper.SetDefault("scheduler.poll_interval", 2*time.Second)
	viper.SetDefault("scheduler.score_retry_delay", time.Second)
	viper.SetDefault("api.rate_limit_rps", 20.0)
	viper.SetDefault("api.rate_limit_burst", 40)
	viper.SetDefault("shutdown.timeout", 30*time.Second)

	// Missing config file is fine, defaults plus env cover everything
	_ = viper.ReadInConfig()
}
