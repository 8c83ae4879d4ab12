// Package backends provides remote storage for deployment state documents.
//
// A Backend moves opaque document bytes to and from a remote location and
// reports reachability. Implementations exist for S3, DynamoDB, a plain HTTP
// state service, Redis, and SFTP. Backends never interpret the document; the
// sync layer wraps documents in an Envelope that carries sync metadata while
// keeping the document bytes untouched, so a push followed by a pull returns
// exactly the bytes that were written.
package backends
