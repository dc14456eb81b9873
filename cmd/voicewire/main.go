package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/voicewire-io/voicewire/pkg/gateway"
	"github.com/voicewire-io/voicewire/pkg/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway config file")
	transport := flag.String("transport", "", "override transports.provider (twilio | mock)")
	ttsVendor := flag.String("tts", "", "override synthesis preference with one vendor name")
	detector := flag.String("detector", "", "override detector.provider (deepgram | mock | none)")
	flag.Parse()

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if *transport != "" {
		cfg.Transports.Provider = *transport
	}
	if *ttsVendor != "" {
		cfg.Synthesis.Preferred = []string{*ttsVendor}
	}
	switch *detector {
	case "":
	case "none":
		cfg.Detector.Provider = ""
	default:
		cfg.Detector.Provider = *detector
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	eng, err := gateway.NewEngine(gateway.Options{Config: cfg, Logger: logger})
	if err != nil {
		logger.Error("engine_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		logger.Error("gateway_exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
