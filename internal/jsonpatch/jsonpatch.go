// Package jsonpatch describes how two JSON documents differ.
package jsonpatch

import (
	"bytes"
	"encoding/json"

	jp "github.com/evanphx/json-patch/v5"
)

var empty = []byte("{}")

// MergePatch returns the RFC 7386 merge patch turning before into after, or
// nil when the documents are equivalent. A missing document counts as an
// empty object.
func MergePatch(before, after json.RawMessage) (json.RawMessage, error) {
	if len(before) == 0 {
		before = empty
	}
	if len(after) == 0 {
		after = empty
	}

	patch, err := jp.CreateMergePatch(before, after)
	if err != nil {
		return nil, err
	}

	if bytes.Equal(patch, empty) {
		return nil, nil
	}
	return patch, nil
}

// Apply applies a merge patch to doc.
func Apply(doc, patch json.RawMessage) (json.RawMessage, error) {
	if len(doc) == 0 {
		doc = empty
	}
	return jp.MergePatch(doc, patch)
}
