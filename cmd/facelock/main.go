package main

import "facelock/internal/cli"

func main() {
	cli.Execute()
}
