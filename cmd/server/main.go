package main

import "github.com/julienbonastre/haiti-shipping/internal/cmd"

func main() {
	cmd.Execute()
}
