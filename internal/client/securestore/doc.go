// Package securestore persists the single session record of this device.
//
// The record is serialized to JSON and sealed with AES-256-GCM under a key
// derived (HKDF-SHA256) from the device fingerprint, so a blob copied to
// another device cannot be opened there. Alongside the ciphertext the
// envelope carries a short key id, derived from the same fingerprint with a
// different HKDF label. It lets Load tell a record sealed on another device
// (ErrFingerprintMismatch) apart from a damaged one (ErrStorageCorrupt)
// without storing the fingerprint in clear.
//
// Every invalid record is deleted as soon as it is detected. Load reports why
// through the returned error while still returning a nil record.
package securestore
