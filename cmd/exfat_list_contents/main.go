package main

import (
	"fmt"
	"os"

	"path/filepath"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/exfatro/go-exfatro"
)

type rootParameters struct {
	Filepath       string `short:"f" long:"filepath" description:"File-path of exFAT filesystem" required:"true"`
	FilenameFilter string `short:"p" long:"pattern" description:"Filename filter"`
	ShowDetail     bool   `short:"d" long:"detail" description:"Show additional entry detail"`
	MountOptions   string `short:"O" long:"options" description:"Mount options (uid=,gid=,fmode=,dmode=,nls=)"`
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

	f, err := os.Open(rootArguments.Filepath)
	log.PanicIf(err)

	defer f.Close()

	vol, err := exfat.Mount(f, rootArguments.MountOptions)
	log.PanicIf(err)

	defer vol.Unmount()

	if rootArguments.ShowDetail == true {
		stats := vol.Stats()

		fmt.Printf("Volume: [%s] (serial 0x%08x)\n", vol.Label(), vol.SerialNumber())
		fmt.Printf("Cluster size: (%d), clusters: (%d), free: (%d)\n",
			stats.BlockSize, stats.Blocks, stats.BFree)
		fmt.Printf("\n")
	}

	tree := exfat.NewTree(vol)

	err = tree.Load()
	log.PanicIf(err)

	files, nodes, err := tree.List()
	log.PanicIf(err)

	for _, currentFilepath := range files {
		node := nodes[currentFilepath]

		if rootArguments.FilenameFilter != "" {
			isMatched, err := filepath.Match(rootArguments.FilenameFilter, node.Name())
			log.PanicIf(err)

			if isMatched != true {
				continue
			}
		}

		inode := node.Inode()

		if rootArguments.ShowDetail == true {
			fmt.Printf("## %s\n", currentFilepath)
			fmt.Printf("\n")

			fmt.Printf("Inode: (%d)\n", inode.Ino())
			fmt.Printf("Size: (%d)\n", inode.Size())
			fmt.Printf("Modified: [%s]\n", inode.ModTime())
			fmt.Printf("Accessed: [%s]\n", inode.AccessTime())
			fmt.Printf("Contiguous: [%v]\n", inode.IsContiguous())

			fmt.Printf("Attributes:\n")
			inode.Attributes().DumpBareIndented("  ")

			fmt.Printf("\n")
		} else {
			fmt.Printf("%15s %30s %s\n", humanize.Comma(inode.Size()), inode.ModTime(), currentFilepath)
		}
	}
}
