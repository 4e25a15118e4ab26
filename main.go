package main

import "github.com/tanq16/hanzo/cmd"

func main() {
	cmd.Execute()
}
