/*
Package main implements a minimal display client for the bar aggregation
server. It connects to the push endpoint, subscribes to a set of series, and
prints every update it receives. Useful for smoke-testing a running server.

Usage:

	go run main.go -addr=localhost:8080 -series=vdelta,price
*/
package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	json "github.com/goccy/go-json"
)

var (
	addr   = flag.String("addr", "localhost:8080", "Server address")
	series = flag.String("series", "", "Comma-separated series ids (empty for all)")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	url := "ws://" + *addr + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatal().Err(err).Str("url", url).Msg("failed to connect")
	}
	defer conn.Close()

	var ids []string
	if *series != "" {
		ids = strings.Split(*series, ",")
	}
	sub, err := json.Marshal(map[string][]string{"series": ids})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to marshal subscription")
	}
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe")
	}

	log.Info().Str("url", url).Strs("series", ids).Msg("subscribed")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, readErr := conn.ReadMessage()
			if readErr != nil {
				log.Info().Err(readErr).Msg("connection closed")
				return
			}
			log.Info().RawJSON("update", raw).Msg("update")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
	case <-done:
	}
}
