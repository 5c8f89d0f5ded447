package main

import "github.com/VoxDroid/relkit/cmd"

func main() {
	cmd.Execute()
}
