// Package vfs is the root of a small virtual file system core: a rolling
// hash, a bounded pool of open file handles, and a persistent ordered
// key-value store built on top of it. Concrete functionality lives in the
// subpackages hash, fileio, and mapstream, with pathkey bridging UUID-shaped
// identifiers into the key space those stores use.
//
// This package itself holds no types or functions; it exists to document how
// the subpackages fit together.
//
// A typical caller opens a fileio.FileIO once per process (or per bounded
// pool of concurrently accessed files), then opens one mapstream.Store per
// logical file through it:
//
//	io := fileio.New(fileio.Options{MaxOpenStreams: 64})
//	store, err := mapstream.Open(ctx, path, io, mapstream.Options{KeySize: 8, ValSize: 8})
//
// See the hash, fileio, mapstream, and pathkey package docs for the design
// of each layer.
package vfs

// Durability model
//
// mapstream.Store defers all physical erasure to Flush/Close, and never
// calls an fsync-equivalent itself: it is up to the caller's fileio.FileIO
// (and the underlying OS/filesystem) to decide when writes are durable. A
// crash between two Flush calls loses the pending erases and the header
// changes made since the last Flush; elements written past the recorded end
// are ignored on reopen. A crash during Flush or Optimize, while elements are
// being moved in chunks of up to 16 KiB ahead of the header write, can leave
// the regions inconsistent with the header; no recovery is attempted.
