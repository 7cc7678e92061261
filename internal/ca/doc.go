// Package ca implements the periodic certificate authority tasks:
// caching CRLs and rotating OCSP responder keys.
//
// Tasks are looked up by name through Tasks.Run so the job table in the
// configuration can refer to them as plain strings.
package ca
