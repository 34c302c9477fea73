// Command pushit-keygen prints a fresh VAPID key pair and a shared backend token.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"

	"pushit-backend/internal/auth"
)

func main() {
	env := flag.Bool("env", false, "print PUSHIT_* environment assignments instead of YAML")
	flag.Parse()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate VAPID keys")
	}
	token, err := auth.GenerateSharedToken()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate backend token")
	}

	if *env {
		fmt.Fprintf(os.Stdout, "PUSHIT_VAPID_PUBLIC_KEY=%s\nPUSHIT_VAPID_PRIVATE_KEY=%s\nPUSHIT_BACKEND_TOKEN=%s\n", publicKey, privateKey, token)
		return
	}
	fmt.Fprintf(os.Stdout, "push:\n  vapid_public_key: %q\n  vapid_private_key: %q\nauth:\n  backend_token: %q\n", publicKey, privateKey, token)
}
