package main

import "github.com/pliu/alumnichat/cmd"

func main() {
	cmd.Execute()
}
