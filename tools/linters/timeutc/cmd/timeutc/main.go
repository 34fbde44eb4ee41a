package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"github.com/opentiger/tiger/tools/linters/timeutc"
)

func main() {
	singlechecker.Main(timeutc.Analyzer)
}
