package main

import (
	"log"

	"github.com/danmuck/racefwd/internal/config"
	"github.com/spf13/pflag"
)

const defaultPath = "cmd/racefwd/config.toml"

func main() {
	kind := pflag.String("kind", "racefwd", "config kind: racefwd")
	output := pflag.String("output", "", "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.String("input", "", "config path for validation (defaults to "+defaultPath+")")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	if *kind != "racefwd" {
		log.Fatalf("unknown kind: %s", *kind)
	}

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		if _, err := config.LoadRacefwdConfig(path); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
