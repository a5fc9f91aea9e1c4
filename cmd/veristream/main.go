package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/veristream-io/veristream"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	// Command line flags
	configFile = flag.String("config", getEnv("CONFIG_FILE", ""), "Engine configuration file")
	httpPort   = flag.Int("http-port", getEnvInt("PORT", 0), "Observability server port override")
)

func main() {
	flag.Parse()

	log.Printf("Starting Veristream verification engine v%s", Version)

	var config *veristream.Config
	if *configFile != "" {
		log.Printf("Config: %s", *configFile)
		loader := veristream.NewConfigLoader(&veristream.OSFileReader{})
		c, err := loader.LoadConfig(*configFile)
		if err != nil {
			log.Printf("Error: %v", err)
			os.Exit(1)
		}
		config = c
	} else {
		log.Println("No config file given, using defaults")
		config = veristream.DefaultConfig()
	}

	if *httpPort > 0 {
		config.Observability.Port = *httpPort
	}

	if err := veristream.RunWithConfig(config); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}

	log.Println("Engine stopped")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}
