package main

import "github.com/andresmejia3/reframer/cmd"

func main() {
	cmd.Execute()
}
