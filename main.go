package main

import "github.com/bitdash/bitdash/cmd"

func main() {
	cmd.Execute()
}
