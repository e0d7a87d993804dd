package main

import "dispatchd/internal/cli"

func main() {
	cli.Execute()
}
