// Package token implements agent credential issuance and rotation.
//
// Agents authenticate with opaque 256-bit bearer tokens; only SHA-256
// digests are persisted. First tokens are minted by redeeming a
// single-use, bcrypt-hashed registration code.
//
// Rotation uses a dual-valid grace window: the new token's hash is
// stored as pending while the old token keeps working, and the new
// token is pushed to the connected agent. The rotation commits lazily,
// on the agent's first successful authentication with the new token,
// rather than on an explicit acknowledgment. If delivery fails, the
// pending hash is rolled back so the agent is never left trusting only
// a token it never received.
package token
