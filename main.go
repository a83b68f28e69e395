package main

import "github.com/iksnae/chat-harvest/cmd"

func main() {
	cmd.Execute()
}
