// Package data holds the built-in policy document.
package data

import "embed"

var (
	//go:embed policy.yaml
	Policy embed.FS
)
