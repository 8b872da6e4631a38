package main

import (
	"os"

	"github.com/catatsuy/mcdemo/internal/cli"
	"github.com/catatsuy/mcdemo/internal/term"
)

func main() {
	cl := cli.NewCLI(os.Stdout, os.Stderr, term.IsTerminal(os.Stdout))
	os.Exit(cl.Run(os.Args))
}
