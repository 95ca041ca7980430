// Package fingerprint produces keyed digests of refresh tokens and client
// device attributes. Digests are stored in place of raw values so that a
// leaked store never yields replayable tokens, while still allowing
// constant-time equality checks and forensic correlation.
package fingerprint
