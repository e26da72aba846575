// Package llm provides a provider-neutral abstraction layer for Large Language Model (LLM) backends.
//
// This package defines common types, interfaces, and utilities that allow the codebase
// to work with multiple LLM backends (Anthropic, OpenAI, Ollama) without being
// tightly coupled to any specific provider's SDK or wire protocol.
//
// # Core Concepts
//
//  1. Messages: The Message type represents a conversation message with a role
//     (user, assistant, system) and text content.
//
//  2. Requests: The Request type is the immutable snapshot handed to an adapter:
//     target model, full message history, system/style directive, and sampling
//     parameters.
//
//  3. Client Interface: The Client interface provides Stream() for incremental
//     generation and ResolveModelID() for mapping user-facing model names to
//     backend wire identifiers. Implementations handle provider-specific details.
//
//  4. Streams: The Stream interface exposes a lazy, finite sequence of normalized
//     StreamEvents (token, done). Terminal failures surface through Err() as a
//     typed *Error. Cancellation is cooperative via the request context.
//
//  5. Errors: The Error type provides backend-neutral error handling with a small
//     closed taxonomy (unknown model, busy, timeout, preload failure, backend
//     rejection, backend unavailability, cancellation).
//
// # Extension Points
//
// To add a new LLM backend:
//  1. Implement the Client interface
//  2. Translate between provider-specific stream chunks and StreamEvents,
//     preserving token arrival order exactly
//  3. Handle provider-specific errors and translate to llm.Error types
package llm
