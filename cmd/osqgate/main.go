// osqgate: policy-enforcing MCP gateway in front of osquery.
package main

import "github.com/ppiankov/osqgate/internal/cli"

func main() {
	cli.Execute()
}
