package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/parley/internal/app"
	"github.com/petervdpas/parley/internal/config"
)

var (
	cfgPath     = flag.String("config", "parley.json", "path to the config file (created if missing)")
	showVersion = flag.Bool("version", false, "print version and exit")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z".
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("parley v%s\n", appVersion)
		return
	}

	path, err := filepath.Abs(*cfgPath)
	if err != nil {
		log.Fatalf("CONFIG: %v", err)
	}

	cfg, created, err := config.Ensure(path)
	if err != nil {
		log.Fatalf("CONFIG: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s\n", path)
		fmt.Println("Fill in identity.user_id and identity.name, then start again.")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{CfgPath: path, Cfg: cfg}); err != nil {
		log.Fatalf("run: %v", err)
	}
}
