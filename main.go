package main

import "github.com/klauskode/klaus-kode/cmd"

func main() {
	cmd.Execute()
}
