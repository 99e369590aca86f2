package main

import (
	"os"

	"github.com/yuriy-kovalchuk/auto-dns/internal/cli"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	cli.Version = Version
	os.Exit(cli.Execute())
}
