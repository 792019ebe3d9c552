// Package geocache stores hierarchical, time-sampled computer-graphics data
// (geometry caches, animated attribute streams)
// in a portable, randomly readable binary container.
//
// An archive is a tree of named objects.
// Each object carries a tree of properties,
// and each scalar or array property holds a sequence of samples,
// one per time index.
// The mapping from sample index to time is given by a TimeSampling
// (see the timesampling subpackage).
//
// Archives are written incrementally and append-only.
// Sample bytes are hashed as they are written,
// and a sample whose content was already stored anywhere in the archive
// becomes a second reference to the earlier bytes rather than a new copy.
// Runs of unchanged samples are not stored at all:
// each property records the first and last indexes at which its value changed,
// and reads outside that range are answered from the nearest stored sample.
//
// Objects may also be instances:
// aliases whose subtree is another object's subtree,
// seen through a different path.
// Instances never form cycles.
//
// The storage underneath an archive is a container:
// an append-only tree of groups and data blocks,
// reached through the Writer and Reader interfaces in this package.
// The store subpackages provide the binary file format (store/file)
// plus in-memory and SQLite implementations
// and wrappers that compress, cache, or log container operations.
// The archive subpackage builds the object and property model on top of any of them.
//
// This package holds the pieces shared by all of that:
// the error values, the lookup Policy,
// the content Digest and its Hasher,
// MetaData,
// and the container interfaces.
package geocache
