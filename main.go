package main

import "github.com/endorses/tlstap/cmd"

func main() {
	cmd.Execute()
}
