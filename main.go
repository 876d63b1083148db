package main

import "ephemera/cmd"

func main() {
	cmd.Execute()
}
