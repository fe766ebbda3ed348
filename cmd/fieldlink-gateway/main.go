package main

import "github.com/fieldlink/fieldlink/cmd/fieldlink-gateway/cmd"

// set by the compiler
var version string

func main() {
	cmd.Execute(version)
}
