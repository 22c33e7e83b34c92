// Package app wires the process together: relay (hosted or remote), presence,
// call manager, config watcher, and the viewer HTTP surface.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/presence"
	"github.com/petervdpas/parley/internal/relay"
	"github.com/petervdpas/parley/internal/util"
	"github.com/petervdpas/parley/internal/viewer"
)

type Options struct {
	CfgPath string
	Cfg     config.Config
}

// Run brings the agent up and blocks until ctx is cancelled. Shutdown writes
// the offline flag before returning so peers stop ringing a dead agent.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := viewer.NewLogBuffer(800)
	if cfg.Viewer.Debug {
		log.SetOutput(io.MultiWriter(os.Stderr, logBuf))
	} else {
		log.SetOutput(logBuf)
	}

	// ── Relay store: hosted alongside the agent, or a remote server.
	var store relay.Store
	if cfg.Relay.Host {
		dbPath := ""
		if cfg.Relay.DBPath != "" {
			dbPath = util.ResolvePath(filepath.Dir(opt.CfgPath), cfg.Relay.DBPath)
		}
		db, err := relay.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open relay db: %w", err)
		}
		defer db.Close()

		bind := cfg.Relay.Bind
		if bind == "" {
			bind = "127.0.0.1"
		}
		srv := relay.NewServer(fmt.Sprintf("%s:%d", bind, cfg.Relay.Port), db, cfg.Relay.AdminPasswordHash)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
		log.Printf("RELAY: serving at %s", srv.URL())

		// The hosting agent talks to its own tables directly; remote
		// agents come in over the server.
		store = db
	} else {
		client := relay.NewClient(cfg.Relay.URL)
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		err := client.Ping(pingCtx)
		cancel()
		if err != nil {
			return err
		}
		log.Printf("RELAY: connected to %s", client.BaseURL)
		store = client
	}

	if cfg.Relay.HostOnly {
		log.Printf("mode: relay-only")
		<-ctx.Done()
		return nil
	}

	// ── Presence
	pres := presence.New(store, cfg.Identity.UserID, cfg.Identity.Name)
	initCtx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	err := pres.Ensure(initCtx)
	if err == nil {
		err = pres.SetOnline(initCtx, true)
	}
	cancel()
	if err != nil {
		return fmt.Errorf("register presence: %w", err)
	}
	log.Printf("AGENT: online as %s (%s)", cfg.Identity.Name, cfg.Identity.UserID)

	// ── Calls
	var callMgr *call.Manager
	if !cfg.Call.Disabled {
		callMgr, err = call.New(store, pres, nil, call.Options{
			RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
			EndGrace:    time.Duration(cfg.Call.EndGraceMs) * time.Millisecond,
			ICEServers:  cfg.Call.ICEServers,
		})
		if err != nil {
			return fmt.Errorf("start call manager: %w", err)
		}
		defer callMgr.Close()
	} else {
		log.Printf("CALL: disabled by config")
	}

	// ── Config hot reload. Only the ICE server list applies live; other
	// changes need a restart.
	if opt.CfgPath != "" && callMgr != nil {
		w, werr := config.Watch(opt.CfgPath, func(next config.Config) {
			callMgr.SetICEServers(next.Call.ICEServers)
		})
		if werr != nil {
			log.Printf("CONFIG: hot reload disabled: %v", werr)
		} else {
			defer w.Close()
		}
	}

	// ── Viewer
	v := viewer.NewServer(cfg.Viewer.HTTPAddr, pres, callMgr, logBuf)
	if err := v.Start(ctx); err != nil {
		return fmt.Errorf("start viewer: %w", err)
	}

	<-ctx.Done()

	log.Printf("AGENT: shutting down, going offline")
	offCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := pres.SetOnline(offCtx, false); err != nil {
		log.Printf("AGENT: offline write failed: %v", err)
	}
	return nil
}
