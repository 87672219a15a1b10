// File: main.go
package main

import (
	"github.com/edespino/corescope/cmd"
	"github.com/edespino/corescope/internal/crashgen"
)

func main() {
	crashgen.RunChildIfRequested()
	cmd.Execute()
}
