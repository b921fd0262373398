package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/myuser/typedkv/internal/config"
	"github.com/myuser/typedkv/internal/log"
	"github.com/myuser/typedkv/internal/metrics"
	"github.com/myuser/typedkv/internal/query"
	"github.com/myuser/typedkv/internal/storage"
	"github.com/myuser/typedkv/internal/storage/pebble"
	"github.com/myuser/typedkv/internal/storage/wal"
	"github.com/myuser/typedkv/internal/store"
)

// compacter is implemented by backends that can rewrite their log.
type compacter interface {
	Compact() error
}

func openPersister(cfg config.StorageConfig) (storage.Persister, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return nil, nil
	case config.BackendPebble:
		return pebble.Open(cfg.Path, pebble.Options{CacheSize: cfg.PebbleCacheSize})
	case config.BackendWAL:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, err
		}
		return wal.Open(filepath.Join(cfg.Path, "typedkv.wal"))
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func main() {
	configPath := flag.String("config", "", "Config file")
	port := flag.Int("port", 0, "Port, overrides server.addr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	level, err := log.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log level: %v\n", err)
		os.Exit(1)
	}
	format, err := log.ParseLoggerType(cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log format: %v\n", err)
		os.Exit(1)
	}
	log.Init(log.Options{LogLevel: level, Type: format})
	if *port != 0 {
		cfg.Server.Addr = fmt.Sprintf(":%d", *port)
	}

	// 1. Storage
	persister, err := openPersister(cfg.Storage)
	if err != nil {
		log.Node.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("open backend")
	}
	opts := storage.Options{Degree: cfg.Storage.BTreeDegree}
	if persister != nil {
		opts.Persister = persister
	}
	env, err := storage.Open(opts)
	if err != nil {
		log.Node.Fatal().Err(err).Msg("open storage")
	}

	// 2. Tables
	ctx := context.Background()
	catalog := query.NewCatalog(env, store.RetryPolicy{Base: cfg.Retry.Base, Cap: cfg.Retry.Cap})
	table := query.TableConfig{Name: cfg.Store.Name, Encoding: cfg.Store.Encoding}
	for _, idx := range cfg.Indexes {
		table.Indexes = append(table.Indexes, query.FieldIndex{Name: idx.Name, Field: idx.Field, Ordered: idx.Ordered})
	}
	if _, err := catalog.CreateTable(ctx, table); err != nil {
		log.Node.Fatal().Err(err).Str("table", table.Name).Msg("open table")
	}

	// 3. HTTP
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.Handler)
	mux.HandleFunc("/tables", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(catalog.Tables())
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		sqlStr := r.URL.Query().Get("sql")
		if sqlStr == "" {
			buf := new(strings.Builder)
			if _, err := io.Copy(buf, r.Body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			sqlStr = buf.String()
		}

		rows, err := query.Run(r.Context(), sqlStr, catalog)
		if err != nil {
			log.Node.Debug().Err(err).Str("sql", sqlStr).Msg("statement failed")
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	})

	// 4. Background compaction
	done := make(chan struct{})
	if c, ok := persister.(compacter); ok && cfg.Storage.CompactInterval > 0 {
		mux.HandleFunc("/debug/compact", func(w http.ResponseWriter, r *http.Request) {
			if err := c.Compact(); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, "OK")
		})
		go func() {
			ticker := time.NewTicker(cfg.Storage.CompactInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := c.Compact(); err != nil {
						log.Node.Error().Err(err).Msg("compaction failed")
						continue
					}
					log.Node.Debug().Msg("log compacted")
				}
			}
		}()
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Node.Fatal().Err(err).Msg("HTTP listen failed")
		}
	}()
	log.Node.Info().Str("addr", cfg.Server.Addr).Str("backend", cfg.Storage.Backend).Msg("store node listening")

	// Cleanup
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	close(done)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Node.Error().Err(err).Msg("HTTP shutdown")
	}
	if err := catalog.Close(); err != nil {
		log.Node.Error().Err(err).Msg("close tables")
	}
	if err := env.Close(); err != nil {
		log.Node.Error().Err(err).Msg("close storage")
	}
	log.Node.Info().Msg("store node stopped")
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, query.ErrSyntax), errors.Is(err, query.ErrUnsupported),
		errors.Is(err, store.ErrUnsupported), errors.Is(err, store.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrUnknownTable):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, context.DeadlineExceeded):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
