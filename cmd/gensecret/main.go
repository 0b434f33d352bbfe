package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kabili207/geochat/pkg/auth"
)

func main() {
	length := flag.Int("length", 32, "Length of the secret in bytes (will be hex encoded, so output is 2x this)")
	flag.Parse()

	secret, err := auth.RandomHex(*length)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating secret: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(secret)
}
