package main

import (
	"api-governance-agent/internal/app/server"
	"api-governance-agent/internal/config"
)

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg.LogLevel(), cfg.Server.LogFormat)

	server.Run(cfg)
}
