package main

import "github.com/roboticgit/Supervisors-Assistant/cmd"

func main() {
	cmd.Execute()
}
