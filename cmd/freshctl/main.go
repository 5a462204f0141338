package main

import "github.com/example/freshness/internal/cli"

func main() {
	cli.Execute()
}
