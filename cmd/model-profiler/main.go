package main

import (
	"os"

	"github.com/inferlab/model-profiler/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
