// Package password provides adaptive credential hashing (argon2id) with
// PHC-formatted encoded hashes. Stored hashes embed their own cost
// parameters, so verification works against hashes produced under older
// settings and [Hasher.NeedsRehash] reports when a stored hash lags the
// currently configured costs.
package password
