package main

import "github.com/burrowlabs/burrow/cmd/burrow-server/cli"

func main() {
	cli.Execute()
}
