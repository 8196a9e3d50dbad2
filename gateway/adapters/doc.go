// Package adapters implements the provider wire protocols behind the
// gateway.Adapter contract: the OpenAI-compatible default, Anthropic
// messages, Gemini generateContent, plain-text SSE backends, and
// cookie-session backends. Adapters are stateless translators; routing,
// retries, and health accounting stay in the gateway package.
package adapters
