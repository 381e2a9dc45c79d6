// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"
	"strings"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated.
var Length = 16

// Generate returns a bare random id.
func Generate() (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return id, nil
}

// ActivityID returns a dereferenceable activity id under baseURL, e.g.
// https://ipcnode.local/activities/V1StGXR8Z5jdHi6B.
func ActivityID(baseURL string) (string, error) {
	id, err := Generate()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(baseURL, "/") + "/activities/" + id, nil
}
