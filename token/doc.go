// Package token signs and verifies the two JWT families the engine issues:
// short-lived access tokens and long-lived refresh tokens. The families use
// distinct HMAC secrets and a typ claim, so a token of one family can never
// pass verification as the other.
package token
