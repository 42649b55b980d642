// Package main implements cmmctl, the command line client of cmmd.
//
// Example usage:
//
//	cmmctl --addr 10.0.0.1:8072 nodes
//	cmmctl master
//	cmmctl update cluster cell.name=lab
//	cmmctl watch
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
