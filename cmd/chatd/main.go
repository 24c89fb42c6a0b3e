package main

import (
	"log"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
