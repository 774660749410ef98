package main

import (
	"os"

	"github.com/ndejong/schoolscan/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
