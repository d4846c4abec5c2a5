// Package auth verifies operator credentials for the HTTP API.
//
// Operator tokens are HS256-signed JWTs with the operator name in the
// "sub" claim. Agent credentials are a separate mechanism entirely; see
// the token package.
package auth
