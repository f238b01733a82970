// Package transform implements the HTTP client for the external vocal
// separation service. It validates input artifacts, retries transient
// failures with a fixed delay, parses the service's loosely shaped output
// and persists the resulting vocals track to durable storage.
package transform
