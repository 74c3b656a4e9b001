package main

import (
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/cmd"
)

func main() {
	cmd.Execute()
}
