package main

import (
	"log"

	"nhbrelay/cmd/internal/passphrase"
	"nhbrelay/services/relayd"
)

func main() {
	source := func(envVar string) (string, error) {
		return passphrase.NewSource(envVar).Get()
	}
	if err := relayd.Main(source); err != nil {
		log.Fatalf("relayd: %v", err)
	}
}
