// Command schema-generator writes the JSON schema of an Embed.toml profile
// table for editor completion. Run it from the config package via go generate.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/grovetools/embed/config"
)

func main() {
	out := flag.String("o", "../schema/embed.schema.json", "output path")
	flag.Parse()

	data, err := config.GenerateSchema()
	if err != nil {
		log.Fatalf("Error generating schema: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatalf("Error creating schema directory: %v", err)
	}
	if err := os.WriteFile(*out, append(data, '\n'), 0o644); err != nil {
		log.Fatalf("Error writing schema file: %v", err)
	}
	log.Printf("Generated profile schema at %s", *out)
}
