package main

import (
	"go-celestia-addons/cmd/celestia-addons/cmd"
)

func main() {
	cmd.Execute()
}
