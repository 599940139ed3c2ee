package main

import (
	"os"

	"github.com/soundprediction/credence/cmd/credence"
)

func main() {
	if err := credence.Execute(); err != nil {
		os.Exit(1)
	}
}
