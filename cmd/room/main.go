// Package main starts the room service and handles termination.
//
// The process owns the authoritative room documents: every mutating call
// runs through the store's transactions, and committed changes fan out to
// watching clients over the websocket channel.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	roomcmd "github.com/louisbranch/cardroom/internal/cmd/room"
)

func main() {
	_ = godotenv.Load()

	cfg, err := roomcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[ROOM] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := roomcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
