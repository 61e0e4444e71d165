package main

import "github.com/andresmejia3/shroud/cmd"

func main() {
	cmd.Execute()
}
