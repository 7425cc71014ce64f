package main

import "github.com/mchmarny/kipple/pkg/cli"

func main() {
	cli.Execute()
}
