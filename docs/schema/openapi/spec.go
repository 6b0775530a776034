// Package openapi embeds the retest workflow HTTP API description so the
// server can publish it next to the routes it documents.
package openapi

import _ "embed"

// RetestsSpec is the OpenAPI 3 document for the /api/v1 routes.
//
//go:embed retests.yaml
var RetestsSpec []byte

// Spec returns a copy of the embedded document.
func Spec() []byte {
	return append([]byte(nil), RetestsSpec...)
}
