package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/i5heu/ouroboros-edx/internal/config"
	"github.com/i5heu/ouroboros-edx/pkg/apiServer"
	"github.com/i5heu/ouroboros-edx/pkg/auth"
	"github.com/i5heu/ouroboros-edx/pkg/badgerStore"
	"github.com/i5heu/ouroboros-edx/pkg/logging"
	"github.com/i5heu/ouroboros-edx/pkg/store"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "edx-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the server configuration")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := logging.New(level)

	conf, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	srv := apiServer.New(conf.EntryCiphertextLen, conf.ChainCiphertextLen, log)
	for _, ixConf := range conf.Indexes {
		token, err := auth.ParseToken(ixConf.Token)
		if err != nil {
			return fmt.Errorf("parsing index token: %w", err)
		}
		db, err := badgerStore.Open(filepath.Join(conf.DataDir, token.IndexID()))
		if err != nil {
			return fmt.Errorf("opening storage for index %s: %w", token.IndexID(), err)
		}
		defer db.Close()

		guard := store.NewGuard()
		srv.Register(token,
			badgerStore.New(db, store.RoleEntry, conf.EntryCiphertextLen, guard, log),
			badgerStore.New(db, store.RoleChain, conf.ChainCiphertextLen, guard, log))
		log.Info("index registered", "index", token.IndexID(),
			"operations", token.SeededOperations())
	}

	log.Info("listening", "address", conf.Listen)
	return http.ListenAndServe(conf.Listen, srv)
}
