package configs

import _ "embed"

// Example is a commented config file listing every key with its default.
//
//go:embed termbridge.example.yaml
var Example []byte
