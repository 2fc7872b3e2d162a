package main

import "github.com/vietddude/conductor/internal/cli"

func main() {
	cli.Execute()
}
