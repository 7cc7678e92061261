// Package storage is the certificate store the CA tasks read from.
//
// It provides:
//   - certificate authorities and their private key locations
//   - revoked certificates per authority, by CRL scope
//   - monotonically increasing CRL numbers per authority and scope
//   - an append-only run log (audit only; scheduling state is never restored from it)
package storage
