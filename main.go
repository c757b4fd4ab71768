package main

import "github.com/loid345/eventrelay/cmd"

func main() {
	cmd.Execute()
}
