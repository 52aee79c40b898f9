package main

import "github.com/ValentinKolb/rocket/cmd"

func main() {
	cmd.Execute()
}
