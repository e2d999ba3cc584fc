package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"auto_guard_go/config"
	"auto_guard_go/logs"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to the config.yaml file")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		fmt.Println("Note: .env file not found, will continue using system environment variables.")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Fatal error: Unable to load config file '%s': %v\n", *configPath, err)
		return
	}

	envCfg := config.LoadEnvConfig()

	logFilename := fmt.Sprintf("%s/guard.log", cfg.Normal.LogDirectory)
	stateFilename := fmt.Sprintf("%s/guard_state.json", cfg.Normal.StateDirectory)

	if err := logs.Init(cfg.Logs, logFilename); err != nil {
		fmt.Printf("Fatal error: Failed to initialize logging system: %v\n", err)
		return
	}
	defer logs.Close()

	logs.Infof("Configuration loaded successfully, logs will be written to: %s", logFilename)

	orchestrator, err := NewOrchestrator(cfg, envCfg, stateFilename)
	if err != nil {
		logs.Fatalf("Failed to initialize Orchestrator: %v", err)
	}
	orchestrator.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	orchestrator.Stop()
}
