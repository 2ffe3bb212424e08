package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fedkv/redfed"
	"github.com/fedkv/redfed/admin"
	"github.com/fedkv/redfed/internal/config"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("nodes", len(cfg.Nodes)),
		zap.Duration("command_timeout", cfg.CommandTimeout))

	client, err := redfed.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create client", zap.Error(err))
	}
	defer client.Close()

	if cfg.Admin.Enabled {
		ops := admin.New(client, logger)
		go func() {
			if err := ops.Start(cfg.Admin.Port); err != nil {
				logger.Error("ops server failed", zap.Error(err))
			}
		}()
	}

	args := os.Args[1:]
	if len(args) == 0 {
		if !cfg.Admin.Enabled {
			fmt.Fprintln(os.Stderr, "usage: redfed VERB [ARG]...")
			os.Exit(2)
		}
		// Ops-only mode: serve until interrupted.
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		return
	}

	verb := args[0]
	cmdArgs := make([]interface{}, 0, len(args)-1)
	for _, a := range args[1:] {
		cmdArgs = append(cmdArgs, a)
	}

	client.Do(verb, cmdArgs, func(reply interface{}) {
		printReply(reply)
	})
	client.Poll()
}

// printReply renders a reply the way redis-cli would, near enough.
func printReply(reply interface{}) {
	switch v := reply.(type) {
	case nil:
		fmt.Println("(nil)")
	case error:
		fmt.Printf("(error) %v\n", v)
	case []interface{}:
		for i, item := range v {
			fmt.Printf("%d) %v\n", i+1, item)
		}
	case int64:
		fmt.Printf("(integer) %d\n", v)
	default:
		fmt.Printf("%v\n", v)
	}
}
