package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/exfatro/go-exfatro"
)

type rootParameters struct {
	FilesystemFilepath string `short:"f" long:"filesystem-filepath" description:"File-path of exFAT filesystem" required:"true"`
	ExtractFilepath    string `short:"e" long:"extract-filepath" description:"File-path to extract (use forward slashes)" required:"true"`
	OutputFilepath     string `short:"o" long:"output-filepath" description:"File-path to write to ('-' for STDOUT)" required:"true"`
	MountOptions       string `short:"O" long:"options" description:"Mount options (uid=,gid=,fmode=,dmode=,nls=)"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	f, err := os.Open(rootArguments.FilesystemFilepath)
	log.PanicIf(err)

	defer f.Close()

	vol, err := exfat.Mount(f, rootArguments.MountOptions)
	log.PanicIf(err)

	defer vol.Unmount()

	tree := exfat.NewTree(vol)

	err = tree.Load()
	log.PanicIf(err)

	pathParts := strings.Split(strings.Trim(rootArguments.ExtractFilepath, "/"), "/")

	node, err := tree.Lookup(pathParts)
	log.PanicIf(err)

	if node == nil {
		fmt.Printf("File not found.\n")
		os.Exit(2)
	} else if node.IsDirectory() == true {
		fmt.Printf("Path is a directory.\n")
		os.Exit(2)
	}

	var g *os.File

	if rootArguments.OutputFilepath == "-" {
		g = os.Stdout
	} else {
		var err error

		g, err = os.Create(rootArguments.OutputFilepath)
		log.PanicIf(err)

		defer func() {
			g.Close()
		}()
	}

	written, err := io.Copy(g, node.Inode().Open())
	log.PanicIf(err)

	if rootArguments.OutputFilepath != "-" {
		fmt.Printf("(%d) bytes written.\n", written)
	}
}
