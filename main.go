package main

import (
	"os"

	"github.com/usegalaxy-eu/byoc-sync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
