package main

import "github.com/brocaar/lorawan-range-tester/cmd/lorawan-range-tester/cmd"

var version string // set by the compiler

func main() {
	cmd.Execute(version)
}
