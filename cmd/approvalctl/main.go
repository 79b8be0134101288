// Command approvalctl drives a node's approval API from the shell.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "approvalctl: %v\n", err)
		os.Exit(1)
	}
}
