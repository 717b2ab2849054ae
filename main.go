package main

import "github.com/eberhagen/systemd-mqtt/cmd"

func main() {
	cmd.Execute()
}
