// Package auth guards the bridge's local control surfaces.
//
// The bridge is a single-operator daemon, so there is no user model:
// callers of the REST API present one shared key, checked against an
// Argon2id PHC hash (OWASP 2025 parameters) held in the config file.
// The plaintext key is never stored or logged. Run `wifand generate-api-key`
// to mint a key together with the hash to put in the config; leaving
// the hash empty disables API authentication entirely, which is the
// sensible default on a trusted LAN.
package auth
