package main

import "github.com/casevault/pstcorpus/cmd"

func main() {
	cmd.Execute()
}
