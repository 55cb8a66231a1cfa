package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/config"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/web"
)

// handleVAPIDKeys creates (or reuses) the Web Push keypair and prints the
// config block that enables push delivery.
func handleVAPIDKeys(args []string) {
	fs := flag.NewFlagSet("vapid-keys", flag.ExitOnError)
	subject := fs.String("subject", "mailto:opencode-bridge@localhost", "VAPID subject (mailto: or https: URL)")
	path := fs.String("file", filepath.Join(config.StateDir(), web.VAPIDKeysFileName), "Key file location")

	fs.Usage = func() {
		fmt.Println("Usage: opencode-bridge vapid-keys [options]")
		fmt.Println()
		fmt.Println("Generate a Web Push keypair and print the [push] config block.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	pub, priv, generated, err := web.EnsureVAPIDKeys(*path, *subject)
	if err != nil {
		exitErr("%v", err)
	}
	if generated {
		fmt.Fprintf(os.Stderr, "Generated new VAPID keypair in %s\n", *path)
	} else {
		fmt.Fprintf(os.Stderr, "Using existing VAPID keypair in %s\n", *path)
	}
	fmt.Print(pushConfigSnippet(pub, priv, *subject))
}

func pushConfigSnippet(pub, priv, subject string) string {
	return fmt.Sprintf("[push]\nvapid_public_key = %q\nvapid_private_key = %q\nsubject = %q\n", pub, priv, subject)
}
