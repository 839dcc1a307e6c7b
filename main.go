package main

import "github.com/coinbuidl/moon/cmd"

func main() {
	cmd.Execute()
}
