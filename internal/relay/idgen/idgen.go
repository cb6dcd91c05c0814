// Package idgen generates opaque handles for client connections, spawned
// processes, and client requests.
package idgen

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 24-character alphanumeric nanoid, suitable for a
// client_pid, request_id, or process handle.
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 24)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}
