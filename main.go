package main

import "github.com/jetstack/payload-envelope/cmd"

func main() {
	cmd.Execute()
}
