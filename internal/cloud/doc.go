// Package cloud talks to the Panasonic mycfan service.
//
// Two components live here. SessionManager drives the Auth0 login flow
// (PKCE authorization code with an HTML form hop in the middle, exactly
// as the Android app performs it) and keeps the access token fresh.
// Client wraps the device API: discovery, state queries, and control
// writes.
//
// The device API is asynchronous. State is not read directly; the
// bridge posts a query control, waits for the cloud to collect the
// device's reply, then reads the account's control log and picks the
// newest completed query per appliance. Control payloads are hex nibble
// packets; see packet.go for the encoding.
//
// Errors from this package carry a classification the sync engine acts
// on: ErrAuth, ErrTransient, ErrPermanent, ErrNotFound. Check with
// errors.Is.
package cloud
