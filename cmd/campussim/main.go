package main

import (
	"os"

	"github.com/seantiz/campussim/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
