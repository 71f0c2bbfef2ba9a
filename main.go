// Command gatewayctl routes requests and downloads through a pool of proxy
// gateways. See cmd for the command tree.
package main

import (
	"github.com/JakeFAU/gateway-dispatcher/cmd"
)

func main() {
	cmd.Execute()
}
