// Package main is the single-binary entrypoint for Cerebrum.
package main

import "github.com/cerebrum-dev/cerebrum/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
