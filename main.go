package main

import (
	"walletpnl/internal/cli"
)

func main() {
	cli.Execute()
}
