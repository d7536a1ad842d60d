package main

import "market-strength-bot/internal/cli"

func main() {
	cli.Execute()
}
