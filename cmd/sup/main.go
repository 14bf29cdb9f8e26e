package main

import (
	"fmt"
	"os"

	sup "github.com/coalmine/sup"
	"github.com/joho/godotenv"
)

func main() {
	// A .env file is optional local convenience; its absence is not an
	// error worth surfacing.
	_ = godotenv.Load()

	opts := &options{}
	root := newRootCmd(opts)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sup:", err)
		if exitCode == sup.ExitSuccess {
			exitCode = sup.ExitConfigError
		}
		os.Exit(exitCode)
	}
	os.Exit(exitCode)
}
