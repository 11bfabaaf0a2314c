// Command softreg runs the register device driver on a simulated or
// file-backed platform.
package main

import (
	"os"

	"github.com/ardnew/softreg/cmd/softreg/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
