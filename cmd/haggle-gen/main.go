package main

import (
	"os"

	"github.com/happyhackingspace/haggle/internal/gencli"
)

var version = "dev"

func main() {
	if err := gencli.New(version).Run(); err != nil {
		os.Exit(1)
	}
}
