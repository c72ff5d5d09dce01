package main

import (
	"fmt"
	"os"
)

func main() {
	app := App()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "adam6000d: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}
