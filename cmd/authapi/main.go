package main

import "github.com/pilotdata/authsvc/cmd/authapi/cmd"

func main() {
	cmd.Execute()
}
