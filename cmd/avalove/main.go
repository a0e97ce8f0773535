package main

import "github.com/avalove-network/avalove/internal/cli"

func main() {
	cli.Execute()
}
