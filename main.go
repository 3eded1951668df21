package main

import "cargochats/cmd"

func main() {
	cmd.Execute()
}
