package main

import "github.com/deploymenttheory/go-zfs/cmd"

func main() {
	cmd.Execute()
}
