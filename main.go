package main

import "github.com/user/secpipe/cmd"

func main() {
	cmd.Execute()
}
