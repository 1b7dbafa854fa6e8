// Package docs embeds the JSON schemas published with editlog.
package docs

import "embed"

// Schemas holds schema/*.json.
//
//go:embed schema/*.json
var Schemas embed.FS

// EditHistorySchema is the path of the export schema inside Schemas.
const EditHistorySchema = "schema/edit-history-v1.schema.json"
