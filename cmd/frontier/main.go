// Package main is the frontier executable.
package main

import "github.com/JakeFAU/gh-frontier/cmd"

func main() {
	cmd.Execute()
}
