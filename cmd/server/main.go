package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"redis/internal/config"
	"redis/internal/server"
)

func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var (
		port       int
		replicaOf  string
		dir        string
		dbFilename string
	)

	root := &cobra.Command{
		Use:   "redis-server",
		Short: "single-node in-memory key-value server with replication and streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.Port = port
			cfg.Dir = dir
			cfg.DBFilename = dbFilename
			if replicaOf != "" {
				host, rport, err := parseReplicaOf(replicaOf)
				if err != nil {
					return err
				}
				cfg.ReplicaOf = &config.ReplicaOf{Host: host, Port: rport}
			}
			return run(cfg, log)
		},
	}

	root.Flags().IntVar(&port, "port", config.DefaultPort, "port to listen on")
	root.Flags().StringVar(&replicaOf, "replicaof", "", `"<host> <port>" of a master to replicate from`)
	root.Flags().StringVar(&dir, "dir", "", "directory containing the snapshot")
	root.Flags().StringVar(&dbFilename, "dbfilename", "", "snapshot filename")

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("fatal startup error")
		os.Exit(1)
	}
}

func parseReplicaOf(s string) (host, port string, err error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("--replicaof expects \"<host> <port>\", got %q", s)
	}
	if _, err := strconv.Atoi(fields[1]); err != nil {
		return "", "", fmt.Errorf("--replicaof port must be numeric: %w", err)
	}
	return fields[0], fields[1], nil
}

func run(cfg config.Config, log logrus.FieldLogger) error {
	srv := server.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		srv.Shutdown()
	}()

	log.WithFields(logrus.Fields{"port": cfg.Port, "role": srv.Role()}).Info("starting server")
	return srv.Start(ctx)
}
