package main

import (
	"os"

	"github.com/catalogforge/strata/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
