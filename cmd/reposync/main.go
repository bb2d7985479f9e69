package main

import (
	"os"

	"github.com/BadgerOps/reposync/internal/packages"
)

var version = "0.1.0"

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		if logger == nil {
			setupLogging()
		}
		logger.Error("command failed", "kind", packages.ErrorKind(err), "error", err)
		os.Exit(1)
	}
}
