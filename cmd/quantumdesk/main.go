package main

import "quantumdesk/internal/cli"

func main() {
	cli.Execute()
}
