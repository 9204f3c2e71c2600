package main

import "github.com/nextlevelbuilder/memlens/cmd"

func main() {
	cmd.Execute()
}
