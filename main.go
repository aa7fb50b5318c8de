package main

import "github.com/naka-gawa/kuper/cmd"

func main() {
	cmd.Execute()
}
