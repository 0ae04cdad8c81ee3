package main

import (
	"github.com/joho/godotenv"

	"github.com/fleetml/fleet/api/cmd/fleet"
)

func main() {
	_ = godotenv.Load()
	fleet.Execute()
}
