package main

import "github.com/theirongolddev/envsync/cmd"

func main() {
	cmd.Execute()
}
