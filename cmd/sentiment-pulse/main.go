package main

import "sentiment-pulse/internal/cli"

func main() {
	cli.Execute()
}
