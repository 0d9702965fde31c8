// Command tradectl operates a running trade escrow service.
package main

import "github.com/mbd888/tradeescrow/internal/cli"

func main() {
	cli.Execute()
}
