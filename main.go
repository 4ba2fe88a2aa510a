package main

import "github.com/emberflow/ember/cmd"

func main() {
	cmd.Execute()
}
