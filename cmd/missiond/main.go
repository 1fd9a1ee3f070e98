package main

import "github.com/missionkit/missiond/internal/cmd"

func main() {
	cmd.Execute()
}
