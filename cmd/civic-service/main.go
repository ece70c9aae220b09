package main

import (
	"os"

	"github.com/civicmap/civicmap/server/civicservice"
)

func main() {
	if err := civicservice.Run(); err != nil {
		os.Exit(1)
	}
}
