// Package api provides the ticketing backend REST client used to obtain
// and renew the access tokens that authorize realtime connections.
//
// Endpoints:
//   - POST /login    form-encoded username and password
//   - POST /refresh  JSON {"refresh_token": ...}
//   - GET  /health   liveness probe
package api
