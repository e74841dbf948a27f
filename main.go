package main

import (
	"os"

	"github.com/ledgerly/ledgerly/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
