// Package manifest renders export bundle manifests. Output is deterministic:
// the same case contents produce byte-identical manifest bytes regardless of
// the order items were collected in, so a manifest digest can be compared
// across exports.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SchemaVersion is embedded in every manifest so historical bundles remain
// verifiable after the format evolves.
const SchemaVersion = "bundle_manifest.v1"

// Item kinds.
const (
	KindEmail      = "email"
	KindAttachment = "attachment"
)

// Item is one exported artifact. Field order matches the sorted-key canonical
// JSON form.
type Item struct {
	ContentHash string   `json:"content_hash,omitempty"`
	Digest      string   `json:"digest,omitempty"`
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Pointers    []string `json:"pointers,omitempty"`
	StorageKey  string   `json:"storage_key,omitempty"`
	Title       string   `json:"title,omitempty"`
}

// Bundle is the manifest document.
type Bundle struct {
	BundleID string `json:"bundle_id"`
	CaseID   string `json:"case_id"`
	Items    []Item `json:"items"`
	Schema   string `json:"schema"`
}

// Output carries the rendered manifest, its digest, and the companion hashes
// file.
type Output struct {
	Manifest       []byte
	ManifestSHA256 string
	Hashes         []byte
}

// Build sorts items by ID, renders compact canonical JSON, and produces the
// digest plus the hashes companion. Input order never influences the bytes.
// The manifest deliberately carries no timestamp; identical content must hash
// identically whenever it is exported.
func Build(caseID, bundleID string, items []Item) (*Output, error) {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for i := range sorted {
		if sorted[i].ID == "" {
			return nil, fmt.Errorf("manifest item %d has no id", i)
		}
		if len(sorted[i].Pointers) > 0 {
			ptrs := make([]string, len(sorted[i].Pointers))
			copy(ptrs, sorted[i].Pointers)
			sort.Strings(ptrs)
			sorted[i].Pointers = ptrs
		}
	}

	bundle := Bundle{
		BundleID: bundleID,
		CaseID:   caseID,
		Items:    sorted,
		Schema:   SchemaVersion,
	}
	manifestBytes, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	sum := sha256.Sum256(manifestBytes)
	digest := hex.EncodeToString(sum[:])

	var hashes strings.Builder
	fmt.Fprintf(&hashes, "manifest_sha256=%s\n", digest)
	fmt.Fprintf(&hashes, "bundle_id=%s\n", bundleID)
	fmt.Fprintf(&hashes, "case_id=%s\n", caseID)
	for _, it := range sorted {
		fmt.Fprintf(&hashes, "item_id=%s\n", it.ID)
		if it.ContentHash != "" {
			fmt.Fprintf(&hashes, "  content_hash=%s\n", it.ContentHash)
		}
		if it.Digest != "" {
			fmt.Fprintf(&hashes, "  digest=%s\n", it.Digest)
		}
	}

	return &Output{
		Manifest:       manifestBytes,
		ManifestSHA256: digest,
		Hashes:         []byte(hashes.String()),
	}, nil
}
