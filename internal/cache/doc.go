// Package cache implements the on-disk remote image cache. A single directory
// holds one payload file per entry plus metadata.json, which maps each entry
// key to its source URI, creation time, expiry and size. The Service resolves
// a URI through the memory index, then the metadata-validated payload, and
// finally downloads it after enforcing the size ceiling. Failures in the
// caching path never block the caller: Resolve falls back to the original URI
// and reports the error alongside it. Only ClearAll propagates errors.
package cache
