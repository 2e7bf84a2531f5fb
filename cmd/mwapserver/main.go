// Package main is the entry point for the mwapserver OAuth broker.
package main

import (
	"os"

	"github.com/dhirmadi/mwapserver-sub005/cmd/mwapserver/app"
	"github.com/dhirmadi/mwapserver-sub005/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
