package main

import "github.com/alexferrari88/xpost-dl/cmd"

func main() {
	cmd.Execute()
}
