package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nwelles/webserv"
)

func main() {
	configPath := "config/default.conf"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	configs, err := webserv.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "webserv: %v\n", err)
		os.Exit(1)
	}

	srv := webserv.NewServer(configs)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		srv.Stop()
	}()

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "webserv: %v\n", err)
		os.Exit(1)
	}
}
