package main

import (
	"quote-guard/internal/cli"
)

func main() {
	cli.Execute()
}
