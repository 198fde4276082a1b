package main

import (
	"os"

	"github.com/gtriggiano/netwatchz/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
