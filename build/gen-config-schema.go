//go:build ignore

// gen-config-schema writes the JSON schema reflected from config.Root to the
// path given as its only argument.
package main

import (
	"log"
	"os"

	"github.com/usegalaxy-eu/byoc-sync/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("usage: %s path/to/schema.json", os.Args[0])
	}
	bs, err := config.ReflectSchema()
	if err != nil {
		log.Fatalf("reflect schema: %v", err)
	}
	bs = append(bs, '\n')
	if err := os.WriteFile(os.Args[1], bs, 0644); err != nil {
		log.Fatalf("write schema: %v", err)
	}
}
