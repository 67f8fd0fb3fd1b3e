package main

import (
	"os"

	"github.com/metalfleet/inspectd/cmd/inspectd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
