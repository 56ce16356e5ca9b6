package main

import "github.com/ghyeongl/filemirror/cmd"

func main() {
	cmd.Execute()
}
