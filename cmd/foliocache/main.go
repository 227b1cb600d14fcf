package main

import "foliocache/internal/cli"

func main() {
	cli.Execute()
}
