package main

import "github.com/gigi-dev/gigi/cmd"

func main() {
	cmd.Execute()
}
