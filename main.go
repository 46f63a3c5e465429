package main

import "github.com/addicteduser/papa-chu-discordbot/cmd"

func main() {
	cmd.Execute()
}
