package main

import (
	"os"

	"github.com/artivisi/termkeys/cmd/termkeys/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
