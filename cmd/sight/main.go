// Package main is the single-binary entrypoint for the Sight node.
package main

import "github.com/sight-ai/sight-depin-maas-sub007/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
