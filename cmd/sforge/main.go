package main

import (
	"os"

	"github.com/dmoren/styleforge/cmd/sforge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
