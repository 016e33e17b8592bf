package main

import "complyflow/cmd/cli"

func main() {
	cli.Execute()
}
