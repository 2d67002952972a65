// btrfs-repo-server serves the framed RPC protocol over stdin/stdout
// against a single repository directory.
//
// Usage:
//
//	btrfs-repo-server [-loglevel level] <repository-dir>
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/btrfs-backup/repoctl/config"
	"github.com/btrfs-backup/repoctl/protocol"
	"github.com/btrfs-backup/repoctl/repository"
)

func main() {
	env := config.FromEnv("")

	logLevel := flag.String("loglevel", env.LogLevel, "log level: debug, info, warn, error")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-loglevel level] <repository-dir>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	repoDir := flag.Arg(0)

	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logrus.SetLevel(level)
	}

	info, err := os.Stat(repoDir)
	if err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "btrfs-repo-server: %s is not a directory\n", repoDir)
		os.Exit(1)
	}

	repo, err := repository.Load(repoDir, false)
	if err != nil {
		logrus.WithError(err).Fatal("btrfs-repo-server: loading repository")
	}
	logrus.WithFields(logrus.Fields{"dir": repoDir, "nodes": len(repo.Nodes())}).Info("btrfs-repo-server: repository loaded")

	srv := protocol.NewServer(repo, os.Stdin, os.Stdout)
	if err := srv.Serve(); err != nil {
		logrus.WithError(err).Fatal("btrfs-repo-server: session ended with an error")
	}
}
