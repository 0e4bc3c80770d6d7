// Package main is the single-binary entrypoint for chatmesh.
package main

import "github.com/busybox42/chatmesh/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
