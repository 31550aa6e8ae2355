package main

import (
	"os"

	"github.com/dWassimeb/Talk4Finance/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
