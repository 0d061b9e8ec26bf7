package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Thomazoide/av-monitor/pkg/auth"
)

func main() {
	username := flag.String("user", "gateway", "MQTT username the gateway connects with")
	length := flag.Int("length", 16, "Length of the password in bytes (will be hex encoded, so output is 2x this)")
	flag.Parse()

	password, err := auth.RandomHex(*length)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating password: %v\n", err)
		os.Exit(1)
	}

	hash, salt, err := auth.NewCredential(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Password: %s\n\n", password)
	fmt.Println("Add to discovery.broker.credentials:")
	fmt.Printf("  - username: %s\n", *username)
	fmt.Printf("    passwordHash: %s\n", hash)
	fmt.Printf("    salt: %s\n", salt)
}
