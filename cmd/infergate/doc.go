// Command infergate runs the inference gateway: an OpenAI-compatible
// multi-provider proxy with tiered failover, health cooldowns, quota
// windows, and SSE streaming.
package main
