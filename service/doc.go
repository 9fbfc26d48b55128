// Package service is the daemon's bus API: the method and signal surface
// other processes see. Methods live under the request interface, broadcast
// signals under the signal interface, both derived from the claimed bus
// name. Mutating methods are privileged and pass through the peer-trust
// arbiter before they run.
package service
