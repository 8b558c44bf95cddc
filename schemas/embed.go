package schemas

import "embed"

// V1FS stores the shipped v1 schemas for job files and approval tokens.
//
//go:embed v1/*/*.json
var V1FS embed.FS
