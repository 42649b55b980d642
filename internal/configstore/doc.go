// Package configstore implements the versioned configuration store of a CMM
// node.
//
// # On-disk layout
//
//	<dir>/cluster.yaml                  -> cluster.yaml.1718000000123   (symlink)
//	<dir>/cluster.yaml.1718000000123    active version
//	<dir>/cluster.yaml.1717999999000    older version, kept until purged
//	<dir>/metadata.yaml.wiped.1718000000500  wipe marker
//
// A version is a millisecond timestamp and only ever grows for a given file.
// Activation writes a temporary symlink and renames it over the canonical
// name, so a reader either sees the old version or the new one and never a
// partially written file. Content is written to a temporary file, fsynced and
// renamed into place for the same reason.
//
// # Replication
//
// The store itself is local. The lobby drives replication: the master calls
// CreateFile (or Wipe), every other node calls Write with inline content or
// Fetch against the master's HTTP endpoint, and on commit every node calls
// Activate. Recover runs at startup to repair a link lost in a crash.
//
// # Content
//
// Each file is a flat YAML map of string properties. CreateFile merges the new
// properties over the active content; Marshal sorts keys so identical content
// yields identical checksums.
package configstore
