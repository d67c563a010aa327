package main

import (
	"os"

	"github.com/skobkin/pcstats-logger/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
