package main

import (
	"log"

	"goldvision/cmd/internal/app"
)

func main() {
	log.SetFlags(0)
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
