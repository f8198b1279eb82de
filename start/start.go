// Package main starts the relay.
package main

import (
	"errors"
	"fmt"
	"os"

	"shmrelay"
)

func main() {
	err := shmrelay.Run()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)

	var exitErr *shmrelay.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(1)
}
