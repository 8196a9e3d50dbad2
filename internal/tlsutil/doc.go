// Package tlsutil provides the hardened TLS configuration shared by the
// gateway's upstream HTTP clients and its own listener: TLS 1.2+, AEAD
// cipher suites only.
package tlsutil
