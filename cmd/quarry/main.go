package main

import (
	"github.com/quarrydb/quarry/cmd"
)

func main() {
	cmd.Execute()
}
