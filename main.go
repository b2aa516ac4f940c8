package main

import "github.com/nextlevelbuilder/beaver/cmd"

func main() {
	cmd.Execute()
}
