package main

import "github.com/chatwire/chatwire/internal/relaycli"

func main() {
	relaycli.Main()
}
