package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/crazyflie_bridge/internal/app"
	"github.com/relabs-tech/crazyflie_bridge/internal/config"
)

func main() {
	configPath := flag.String("config", "./bridge_config.txt", "path to configuration file")
	flag.Parse()

	log.Println("starting crazyflie setpoint publisher (constant attitude -> MQTT)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunSetpointPublisher(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
