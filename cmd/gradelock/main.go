// Command gradelock locks and unlocks gradebook categories and items.
package main

import (
	"os"

	"github.com/roach88/gradelock/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
