package main

import "vmslink/cmd"

func main() {
	cmd.Execute()
}
