// Hibari is a chat assistant that joins Matrix rooms and Discord channels
// and decides on its own when to speak.
//
// Configuration comes from a YAML file (--config), environment variables and
// an optional .env file in the working directory. See internal/hibari/config
// for the recognised variables.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Existing environment variables win over .env.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: .env not loaded: %v\n", err)
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
