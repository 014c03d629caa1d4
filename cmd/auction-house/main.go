package main

import "oev-auction-house/internal/cli"

func main() {
	cli.Execute()
}
