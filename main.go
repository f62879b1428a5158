package main

import "sshupdater/cmd"

func main() {
	cmd.Execute()
}
