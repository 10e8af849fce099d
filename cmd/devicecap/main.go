package main

import "devicecap/cmd/devicecap/cmd"

func main() {
	cmd.Execute()
}
