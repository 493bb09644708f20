package main

import "github.com/przewozpl/przewoz/cmd"

func main() {
	cmd.Execute()
}
