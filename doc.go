// Package main provides the ipa-resign CLI tool for resigning iOS IPA files.
//
// For the library API, see the resign subpackage:
//
//	import "github.com/aluedeke/ipa-resign/pkg/resign"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/ipa-resign@latest
//
// # Configuration
//
// Settings are read from --config, $IPA_RESIGN_CONFIG or
// $XDG_CONFIG_HOME/ipa-resign/config.yaml, then overridden by environment
// variables and flags:
//
//	signer:
//	  mode: command
//	  allow_degraded: true
//	  command: [zsign, -k, "{cert}", -p, "{password}", -m, "{profile}", -b, "{bundleid}", "{bundle}"]
//	install:
//	  command: [ideviceinstaller, -i, "{ipa}"]
//	output_dir: ./signed
//	concurrency: 4
package main
