// Package main is the entry point for the Haven realtime load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: open N idle authenticated connections and hold them
//   - chat:     pairs of identities exchanging direct messages
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N idle connections")
	fmt.Println("  chat        Messaging load test: pairs exchange direct messages")
	fmt.Println()
	fmt.Println("Both commands mint tokens with -secret (default $JWT_SECRET).")
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireSecret(secret string) {
	if secret == "" {
		fmt.Fprintln(os.Stderr, "a JWT secret is required (-secret or JWT_SECRET)")
		os.Exit(2)
	}
}
