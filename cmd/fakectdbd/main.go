// Package main implements fakectdbd, a stand-in for one node of a CTDB
// cluster. It speaks enough of the CTDB client protocol on a unix socket for
// client tools and libraries to be tested without a real cluster.
//
// The cluster it reports on is described on standard input (see package
// bootstrap for the format). The daemon answers as the node marked CURRENT.
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                 fakectdbd                    │
//	├──────────────────────────────────────────────┤
//	│  unix socket (--socket)                      │
//	│    server   - accept loop, one session each  │
//	│    dispatch - control and message handlers   │
//	├──────────────────────────────────────────────┤
//	│  reactor goroutine                           │
//	│    cluster  - node table, vnn map, srvids    │
//	│    recovery - recovery attempts, disables    │
//	├──────────────────────────────────────────────┤
//	│  optional HTTP (--admin)                     │
//	│    /health, /state, /nodes/{pnn}             │
//	└──────────────────────────────────────────────┘
//
// Configuration:
//   - --socket, -s: unix socket to listen on (required)
//   - --pidfile, -p: pid file (required)
//   - --debug, -d: ERR, WARNING, NOTICE, INFO or DEBUG (default ERR)
//   - --recovery-interval: recovery tick (default 1s)
//   - --admin: HTTP listen address for the state view
//   - --config: yaml file supplying any of the above
//   - CTDB_NODES_<pnn>, CTDB_NODES: nodes file read by RELOAD_NODES_FILE
//     and GET_NODES_FILE
//
// Example usage:
//
//	fakectdbd -s /tmp/ctdbd.socket -p /tmp/ctdbd.pid -d DEBUG <<EOF
//	NODEMAP
//	0       192.168.20.41   0x0     CURRENT RECMASTER
//	1       192.168.20.42   0x0
//
//	VNNMAP
//	654321
//	0
//	1
//	EOF
//
// The daemon exits 0 after a client sends SHUTDOWN or on SIGTERM, and 1 on
// any setup failure. If the current node is flagged disconnected it exits 0
// straight away without serving.
package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/fakectdb/internal/admin"
	"github.com/dreamware/fakectdb/internal/bootstrap"
	"github.com/dreamware/fakectdb/internal/cluster"
	"github.com/dreamware/fakectdb/internal/config"
	"github.com/dreamware/fakectdb/internal/dispatch"
	"github.com/dreamware/fakectdb/internal/reactor"
	"github.com/dreamware/fakectdb/internal/recovery"
	"github.com/dreamware/fakectdb/internal/server"
)

// errSelfDisconnected stops startup without it being a failure.
var errSelfDisconnected = errors.New("current node is disconnected")

func main() {
	os.Exit(realMain())
}

func realMain() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	logger := newLogger(os.Stderr)
	if err := run(ctx, os.Args[1:], os.Stdin, logger); err != nil {
		if errors.Is(err, errSelfDisconnected) {
			return 0
		}
		logger.WithError(err).Error("fakectdbd failed")
		return 1
	}
	return 0
}

func newLogger(out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(logrus.ErrorLevel)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger
}

// run is the whole daemon: it returns nil after a clean shutdown.
func run(ctx context.Context, args []string, stdin io.Reader, logger *logrus.Logger) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.Level())
	logger.WithField("config", cfg.String()).Debug("configuration loaded")

	state, err := bootstrap.Load(stdin, logger)
	if err != nil {
		return errors.Wrap(err, "bootstrap")
	}
	if err := state.Validate(); err != nil {
		return err
	}
	if len(state.Nodes) > 0 {
		self, err := state.Self()
		if err != nil {
			return err
		}
		if self.Disconnected() {
			logger.WithField("pnn", self.PNN).Info("node disconnected, exiting")
			return errSelfDisconnected
		}
	}

	// a socket left behind by an earlier run would make Listen fail
	_ = os.Remove(cfg.Socket)
	ln, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.Socket)
	}
	defer os.Remove(cfg.Socket)

	if err := os.WriteFile(cfg.PidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		ln.Close()
		return errors.Wrapf(err, "write pid file %s", cfg.PidFile)
	}
	defer os.Remove(cfg.PidFile)

	loop := reactor.New(logger)
	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("reactor stopped")
		}
	}()
	defer loop.Stop()

	coord := recovery.NewCoordinator(state, loop, cfg.RecoveryInterval, logger.WithField("component", "recovery"))
	disable := recovery.NewDisableTimer(state, loop, logger.WithField("component", "recovery"))
	d := dispatch.New(state, coord, disable, bootstrap.NodesFile{}, logger.WithField("component", "dispatch"))
	srv := server.New(loop, state, d, logger.WithField("component", "server"))

	if cfg.Admin != "" {
		shutdown, err := startAdmin(cfg.Admin, loop, state, logger)
		if err != nil {
			ln.Close()
			return err
		}
		defer shutdown()
	}

	logger.WithFields(logrus.Fields{
		"socket": cfg.Socket,
		"pnn":    state.SelfPNN,
		"nodes":  len(state.Nodes),
	}).Info("fakectdbd started")

	if err := srv.Serve(ctx, ln); err != nil {
		return err
	}
	logger.Info("fakectdbd stopped")
	return nil
}

// startAdmin serves the read-only state view on addr and returns a function
// that stops it.
func startAdmin(addr string, loop *reactor.Loop, state *cluster.State, logger *logrus.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "admin listen on %s", addr)
	}
	httpSrv := &http.Server{
		Handler:           admin.NewRouter(loop, state, logger.WithField("component", "admin")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.WithField("addr", ln.Addr().String()).Info("admin listening")
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("admin server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}, nil
}
