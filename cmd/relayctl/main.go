package main

import "github.com/relayflow-go/cmd/relayctl/cmd"

func main() {
	cmd.Execute()
}
