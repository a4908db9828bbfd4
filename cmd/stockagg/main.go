package main

import "stockagg/internal/cli"

func main() {
	cli.Execute()
}
