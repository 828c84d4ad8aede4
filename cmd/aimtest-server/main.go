package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/aimtest/aimtest/internal/config"
	"github.com/aimtest/aimtest/internal/httpapi"
	"github.com/aimtest/aimtest/internal/insights"
	"github.com/aimtest/aimtest/internal/netx"
	"github.com/aimtest/aimtest/internal/store"
	"github.com/aimtest/aimtest/pkg/engine"
	"github.com/aimtest/aimtest/pkg/model"
)

// ctx is the context for the whole program, canceled on SIGINT/SIGTERM
// the way the teacher server command wires it.
var ctx, cancel = context.WithCancel(context.Background())

// version is overridden at link time with -ldflags "-X main.version=...".
var version = "dev"

// httpServer mirrors the teacher's explicit-timeout server constructor:
// read and write timeouts so an idle or misbehaving client cannot hold a
// connection open indefinitely. Combined with a netx.Listener, accepted
// connections carry accept time and byte counters the handler layer can
// later recover with a type assertion on net.Conn.
func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  time.Minute,
		WriteTimeout: 2 * time.Minute,
	}
}

func main() {
	flag.Parse()
	cfg := config.Parse()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	switch cfg.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	fsStore, err := store.NewFSStore(cfg.DataDir)
	rtx.Must(err, "failed to open result store")

	eng := engine.New(engine.Config{
		MinDuration:           cfg.MinTestDuration,
		MaxDuration:           cfg.MaxTestDuration,
		ByteBudget:            cfg.ByteBudgetMiB * 1 << 20,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
	}, make(chan struct{}, cfg.MaxConcurrentSessions))

	servers := []model.ServerInfo{
		{ID: cfg.ServerID, Name: cfg.ServerID, Available: true},
	}

	httpapi.Version = version

	api := httpapi.New(eng, fsStore, insights.NoopAnalyzer{}, servers)

	srv := httpServer(cfg.ListenAddr, api.Mux())

	log.Info("about to listen for enhanced tests", "endpoint", cfg.ListenAddr)
	tcpl, err := net.Listen("tcp", srv.Addr)
	rtx.Must(err, "failed to create listener")
	l := netx.NewListener(tcpl.(*net.TCPListener))
	defer l.Close()

	go func() {
		err := srv.Serve(l)
		if err != nil && err != http.ErrServerClosed {
			rtx.Must(err, "server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	cancel()
	_ = srv.Close()
}
