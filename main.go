package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fieldpoll/fieldpoll/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		var ec cmd.ExitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
