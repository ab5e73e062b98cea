package main

import "github.com/cuongbtq/imagejobs/internal/cli"

func main() {
	cli.Execute()
}
