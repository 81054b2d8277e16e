// Command asyncmybench loads a client config, opens a Connection, runs a
// connect followed by a multi-statement fetch, and prints the rows and
// stats it observes. It is the demo/load binary grounded on the teacher's
// cmd/dbbouncer/main.go: config loading, component wiring, signal handling
// for graceful shutdown.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbbouncer/asyncmy"
	"github.com/dbbouncer/asyncmy/internal/clientconfig"
	"github.com/dbbouncer/asyncmy/internal/eventloop"
	"github.com/dbbouncer/asyncmy/internal/handler"
	"github.com/dbbouncer/asyncmy/internal/introspect"
	"github.com/dbbouncer/asyncmy/internal/metrics"
)

func main() {
	configPath := flag.String("config", "configs/asyncmybench.yaml", "path to configuration file")
	introspectAddr := flag.String("introspect", "", "address to serve /status and /metrics on, e.g. 127.0.0.1:8080 (disabled if empty)")
	host := flag.String("host", "127.0.0.1", "MySQL host")
	port := flag.Int("port", 3306, "MySQL port")
	user := flag.String("user", "root", "MySQL user")
	password := flag.String("password", "", "MySQL password")
	database := flag.String("database", "", "MySQL database")
	query := flag.String("query", "SELECT 1", "query to run once connected")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("asyncmybench starting...")

	cfg, err := clientconfig.Load(*configPath)
	if err != nil {
		log.Printf("no usable config at %s (%v), using built-in defaults", *configPath, err)
		cfg = &clientconfig.Config{}
		cfg.Defaults = clientconfig.ConnectDefaults{}
	}

	coll := metrics.New()

	var introspectSrv *introspect.Server
	if *introspectAddr != "" {
		introspectSrv = introspect.NewServer(coll, nil)
		if err := introspectSrv.Start(*introspectAddr); err != nil {
			log.Fatalf("failed to start introspect server: %v", err)
		}
		log.Printf("introspect listening on %s", *introspectAddr)
	}

	loop := eventloop.NewAsync(0)
	h := handler.NewGoMySQL()

	key := asyncmy.ConnectionKey{Host: *host, Port: *port, User: *user, Database: *database}
	conn := asyncmy.New(loop, h, key)
	conn.Stats = coll
	conn.Log = asyncmy.NewSlogLogger(nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	co := asyncmy.NewConnectOperation(conn, key)
	opts := asyncmy.DefaultConnectionOptions()
	if cfg.Defaults.Timeout > 0 {
		opts.Timeout = cfg.Defaults.Timeout
	}
	if cfg.Defaults.TotalTimeout > 0 {
		opts.TotalTimeout = cfg.Defaults.TotalTimeout
	}
	if cfg.Defaults.ConnectAttempts > 0 {
		opts.ConnectAttempts = cfg.Defaults.ConnectAttempts
	}
	opts.Compression = cfg.Defaults.Compression
	opts.Password = *password
	co.SetConnectionOptions(opts)
	co.EnableMultiStatements()

	co.SetCallback(func(op *asyncmy.ConnectOperation) {
		if op.Result() != asyncmy.Succeeded {
			log.Printf("connect failed: %v", op.Err())
			close(done)
			return
		}
		log.Printf("connected to %s (server %s)", key.String(), conn.ServerVersion())
		runFetch(conn, *query, done)
	})

	if err := co.Run(); err != nil {
		log.Fatalf("connect.Run: %v", err)
	}

	select {
	case <-done:
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down", sig)
	}

	loop.Stop()
	if introspectSrv != nil {
		introspectSrv.Stop()
	}
	log.Printf("asyncmybench stopped")
}

type printNotifier struct {
	asyncmy.NopFetchNotifier
	done chan<- struct{}
}

func (n printNotifier) NotifyRowsReady(fo *asyncmy.FetchOperation) {
	row, ok := fo.Stream().NextRow()
	if !ok {
		return
	}
	names := fo.Stream().FieldNames()
	fields := make([]string, len(row.Values))
	for i, v := range row.Values {
		if v.IsNull {
			fields[i] = "NULL"
		} else {
			fields[i] = string(v.AsString)
		}
	}
	fmt.Printf("row %v: %v\n", names, fields)
}

func (n printNotifier) NotifyOperationCompleted(fo *asyncmy.FetchOperation, result asyncmy.OperationResult) {
	log.Printf("fetch completed: %s (%d statements)", result, fo.NumQueriesExecuted())
	close(n.done)
}

func runFetch(conn *asyncmy.Connection, query string, done chan struct{}) {
	fo := asyncmy.NewFetchOperation(conn, query)
	fo.SetNotifier(printNotifier{done: done})
	if err := fo.Run(); err != nil {
		log.Printf("fetch.Run: %v", err)
		close(done)
	}
}
