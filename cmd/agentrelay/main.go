// Command agentrelay bridges a conversation ledger with a group messaging
// channel.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
