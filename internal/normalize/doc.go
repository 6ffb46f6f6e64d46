// Package normalize canonicalizes free text and URLs into comparable forms.
//
// All keyword matching and item identity in bidwatch goes through this
// package: Text folds strings into a single comparable shape, CanonicalURL
// collapses tracking-parameter and ordering noise out of URLs, and ContentKey
// hashes the canonical URL into the stable identity used for upserts and
// dedupe. Two raw URLs that differ only in tracking parameters or query
// order always produce the same ContentKey.
package normalize
