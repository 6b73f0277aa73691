package main

import (
	"log"

	"github.com/Martinlmb3/TeamTalk/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
