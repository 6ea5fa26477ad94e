// Package defaults provides embedded starter files for the wayfinder
// init subcommand.
package defaults

import "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed persona.example.md
var PersonaMD []byte

// Rulesets holds the shipped rulesets under rulesets/.
//
//go:embed rulesets/*.md
var Rulesets embed.FS
