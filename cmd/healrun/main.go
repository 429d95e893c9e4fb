package main

import (
	"os"

	"healrun/cmd/healrun/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
