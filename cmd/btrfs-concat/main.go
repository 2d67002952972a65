// btrfs-concat stitches a chain of send-stream files into a single
// continuous stream on stdout.
//
// Usage:
//
//	btrfs-concat <path> <path> [<path>...]
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/btrfs-backup/repoctl/concat"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <path> <path> [<path>...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	paths := flag.Args()
	if len(paths) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	out := bufio.NewWriter(os.Stdout)
	if err := concat.Concat(out, paths); err != nil {
		fmt.Fprintf(os.Stderr, "btrfs-concat: %v\n", err)
		os.Exit(1)
	}
	if err := out.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "btrfs-concat: %v\n", err)
		os.Exit(1)
	}
}
