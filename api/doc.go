// Package api defines the OpenAI-compatible wire types of the gateway's
// public surface and their conversions to the normalized gateway types.
package api
