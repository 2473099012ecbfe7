package main

//go-build: CGO_ENABLED=0

import (
	"github.com/robotalks/telemetry.go/pkg/cli/sh"
	"github.com/robotalks/telemetry.go/pkg/config"
)

func init() {
	config.SetupFlags()
}

func main() {
	sh.Main()
}
