package main

import (
	"log"
	"os"

	"github.com/d-kato/mbed-gr-libs-sub001/tools/sdtool"
)

func main() {
	log.Default().SetFlags(0)
	sdtool.Main(os.Args)
}
