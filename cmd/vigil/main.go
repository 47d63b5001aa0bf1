// Command vigil serves and inspects durable workflow instances.
package main

import (
	"fmt"
	"os"

	"github.com/i2y/vigil/cmd/vigil/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
