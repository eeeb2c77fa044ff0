// Command lqs operates local queues from the shell.
//
// Queues live in memory, in a directory shared between processes, or in a
// sqlite or postgres database. Received messages stay invisible for the
// visibility timeout and reappear unless they are acknowledged.
//
// Install:
//
//	go install github.com/nuetzliches/lqs/cmd/lqs@latest
//
// Usage:
//
//	lqs queue create --name jobs --backend file --root ./.data/queues
//	lqs send --queue jobs --body hello --backend file --root ./.data/queues
//	lqs receive --queue jobs --backend file --root ./.data/queues
package main
