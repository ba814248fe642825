package main

import "github.com/surge-downloader/partdl/cmd"

func main() {
	cmd.Execute()
}
