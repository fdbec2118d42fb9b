package main

import "github.com/LENAX/dag-master/pkg/cli/cmd"

func main() {
	cmd.Execute()
}
