package main

import (
	"log"
	"os"

	"github.com/bobuhiro11/kvmctl/flag"
)

func main() {
	if err := flag.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
