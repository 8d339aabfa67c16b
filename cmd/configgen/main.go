package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/hermes/internal/config"
	"github.com/danmuck/hermes/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	observability.InitLogger("configgen")
	kind := pflag.String("kind", "agent", "config kind: "+strings.Join(config.Kinds, "|"))
	output := pflag.String("output", "", "output path for config template (default <kind>.toml)")
	validate := pflag.Bool("validate", false, "check an existing config file for unknown keys")
	input := pflag.String("input", "", "config path for validation")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	if *validate {
		if *input == "" {
			fmt.Fprintln(os.Stderr, "configgen: --input is required with --validate")
			os.Exit(2)
		}
		if err := config.CheckKeys(*input, *kind); err != nil {
			log.Fatal().Err(err).Msg("config invalid")
		}
		log.Info().Str("kind", *kind).Str("path", *input).Msg("validated config")
		return
	}

	target := *output
	if target == "" {
		target = *kind + ".toml"
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("write template")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("wrote config template")
}
