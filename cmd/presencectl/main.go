// Package main provides presencectl, the operator CLI for a presence server.
package main

import "github.com/cory-johannsen/cloudtown/internal/cli"

func main() {
	cli.Execute()
}
