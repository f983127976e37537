// Package main provides tutorctl, the operator CLI for a tutorflow server.
//
// Usage:
//
//	tutorctl [flags] <command> [args]
//
// Commands:
//
//	cache     - Inspect, warm and invalidate responder instruction caches
//	session   - Start and end tutoring sessions
//	turn      - Send one learner turn and print the reply
//	profile   - Show a learner profile
//
// The server address defaults to $TUTOR_SERVER or http://localhost:8080.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
