// Package tools provides the built-in tools the agent can call: looking up
// the machine's public IP address and geolocating an IP address.
//
// Usage:
//
//	registry := toolexecutor.NewRegistry()
//	registry.MustRegister(tools.Builtin(tools.Config{})...)
package tools
