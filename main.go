package main

import "deepagent/cmd"

func main() {
	cmd.Execute()
}
