package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/rcliao/tiermem/internal/cli"
)

func main() {
	// A missing .env is fine; values may come from the real environment.
	_ = godotenv.Load()

	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
