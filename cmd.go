// Package main is responsible for the main func of tlsrelay.  The actual work
// is done in the cmd package.
package main

import "github.com/ameshkov/tlsrelay/internal/cmd"

func main() {
	cmd.Main()
}
