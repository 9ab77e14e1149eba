package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bdobrica/Tachikoma/common/version"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/app"
)

func main() {
	fmt.Printf("Tachikoma\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	config, err := app.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	tachikoma, err := app.New(context.Background(), config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Tachikoma: %v\n", err)
		os.Exit(1)
	}
	defer tachikoma.Stop()

	if err := tachikoma.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Tachikoma: %v\n", err)
		os.Exit(1)
	}
}
