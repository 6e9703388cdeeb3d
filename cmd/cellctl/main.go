package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/meshctl/internal/cell"
	"github.com/danmuck/meshctl/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to cell toml config")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := cell.DefaultConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cellctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc, err := cell.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cellctl: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "cellctl: %v\n", err)
		os.Exit(1)
	}
}
