// Package main is the sumirror command.
package main

import (
	"log"
	"os"

	"github.com/clean-dependency-project/sumirror/internal/cli"
)

func main() {
	app := cli.NewApp()

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
