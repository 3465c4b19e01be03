package main

import "graphshell/cmd"

func main() {
	cmd.Execute()
}
