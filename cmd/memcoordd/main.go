package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("memcoordd failed")
		os.Exit(1)
	}
}
