package main

import (
	"context"
	"os"

	"adcheck/obs"
)

func main() {
	// stdout carries the rendered result; logs go to stderr.
	shutdown, _ := obs.InitWithWriter("checkctl", os.Stderr)
	err := RootCmd().Execute()
	_ = shutdown(context.Background())
	if err != nil {
		os.Exit(1)
	}
}
