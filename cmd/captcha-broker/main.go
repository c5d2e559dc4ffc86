// Package main provides the entry point for the captcha broker.
package main

import (
	"os"

	"github.com/jmylchreest/captcha-broker/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
