package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/engramlabs/engram-go/cli"
)

func main() {
	_ = godotenv.Load()
	os.Exit(cli.Run(os.Args[1:], os.Stdout, os.Stderr))
}
