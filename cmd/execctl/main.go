package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"execbox/internal/execctl/client"
	"execbox/internal/execctl/config"
	"execbox/internal/execctl/repl"
)

const defaultConfigPath = "configs/execctl.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override execd base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 30s)")
	runtime := flag.String("runtime", "", "Override default runtime (wasm, jailed, native)")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *runtime != "" {
		cfg.Runtime = *runtime
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	c := client.New(cfg.BaseURL, cfg.Timeout)
	session := repl.New(c, cfg.Runtime, *cfg.PrettyJSON, os.Stdin, os.Stdout)
	// Non-interactive use: execctl run main.rs stdin=...
	if flag.NArg() > 0 {
		session.Dispatch(ctx, flag.Args())
		return
	}
	session.Run(ctx)
}
