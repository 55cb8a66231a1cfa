// Command opencode-bridge watches an OpenCode server and sends one
// notification per finished turn to Telegram and the browser.
package main

import (
	"fmt"
	"os"
)

const Version = "0.4.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		handleRun(nil)
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("opencode-bridge v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "run":
		handleRun(args[1:])
	case "status":
		handleStatus(args[1:])
	case "send-test":
		handleSendTest(args[1:])
	case "vapid-keys":
		handleVAPIDKeys(args[1:])
	default:
		// Flags without a subcommand belong to run.
		if len(args[0]) > 1 && args[0][0] == '-' {
			handleRun(args)
			return
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("opencode-bridge - completion notifications for OpenCode")
	fmt.Println()
	fmt.Println("Usage: opencode-bridge [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run                 Run the bridge daemon (default)")
	fmt.Println("  status [id]         Show a session's completion status, or list tracked sessions")
	fmt.Println("  send-test           Send a sample notification through every channel")
	fmt.Println("  vapid-keys          Generate Web Push keys and print the [push] config")
	fmt.Println("  version             Show version")
	fmt.Println()
	fmt.Println("Run 'opencode-bridge <command> --help' for command options.")
}
