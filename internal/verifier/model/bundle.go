package model

// BundleMeta identifies one probe bundle revision in object storage.
// The digest is the lowercase blake2b-256 hex of the packed archive.
type BundleMeta struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	ObjectKey string `json:"object_key"`
	Digest    string `json:"digest"`
	SizeBytes int64  `json:"size_bytes"`
}

// CacheKey returns the directory name a bundle revision extracts into.
func (m BundleMeta) CacheKey() string {
	return m.Name + "-" + m.Version
}

// DefaultObjectKey returns the conventional storage key for a bundle
// revision, used when the request names the bundle without a key.
func (m BundleMeta) DefaultObjectKey() string {
	return "bundles/" + m.Name + "-" + m.Version + ".tar.zst"
}
