package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cea-hpc/rbh-changelog/internal/app"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		if envConfigFile := os.Getenv("RBH_CONFIG_FILE"); envConfigFile != "" {
			configFile = envConfigFile
		} else {
			configFile = "/etc/rbh-changelog/config.yaml"
		}
	}

	fmt.Printf("using configuration file: %s\n", configFile)

	application, err := app.New(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "application error: %v\n", err)
		os.Exit(1)
	}
}
