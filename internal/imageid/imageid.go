// Package imageid derives stable image identities from source references.
package imageid

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/hyperjump/niteru/images"))

// FromReference returns a stable ID for ref. The same reference always yields
// the same ID, so re-ingesting an image updates it in place.
func FromReference(ref string) string {
	return uuid.NewSHA1(namespace, []byte(Normalize(ref))).String()
}

// Normalize trims ref and cleans local filesystem paths. Object store keys and
// URLs are kept as given apart from surrounding whitespace.
func Normalize(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.Contains(ref, "://") {
		return ref
	}
	return filepath.Clean(ref)
}

// FromContent returns the ID for an image uploaded without a source
// reference. Identical bytes always map to the same ID.
func FromContent(contentHash string) string {
	return FromReference("sha256:" + contentHash)
}
