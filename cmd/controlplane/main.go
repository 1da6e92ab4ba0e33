// Command controlplane runs the "serve" daemon (spec.md §6): the REST
// surface, the discovery websocket listener, and the background proxy
// reaper, all wired by internal/app/runtime from environment configuration.
// Grounded on the teacher's own cmd/appserver/main.go (flag parsing, flag-
// config-env precedence, signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/logging"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/runtime"
	"github.com/penguintechinc/marchproxy-sub000/internal/config"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] != "serve" && os.Args[1][0] != '-' {
		log.Fatalf("unknown command %q (only \"serve\" is supported)", os.Args[1])
	}
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		os.Args = append(os.Args[:1], os.Args[2:]...)
	}

	configPath := flag.String("config", "", "path to a .env file to load before process environment")
	flag.Parse()

	if *configPath != "" {
		if err := loadEnvFile(*configPath); err != nil {
			log.Fatalf("load config %s: %v", *configPath, err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	appLog := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	application, err := runtime.New(ctx, cfg, appLog)
	if err != nil {
		log.Fatalf("initialize application: %v", err)
	}

	if err := application.Start(ctx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	appLog.WithField("bind_rest", cfg.BindREST).WithField("bind_discovery", cfg.BindDiscovery).
		Info("control plane listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func loadEnvFile(path string) error {
	return godotenv.Overload(path)
}
