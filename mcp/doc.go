// Package mcp implements both halves of a JSON-RPC 2.0 tool protocol: a
// multi-server client that spawns or dials servers, performs the
// initialize handshake, discovers their tools, resources and prompts and
// routes calls to whichever server owns an item, and a server dispatcher
// that exposes registered tools, resources and prompts over stdio or
// websocket sessions.
//
// Envelopes travel as newline-delimited JSON over child-process standard
// streams, or one envelope per text frame over websocket. Requests are
// correlated to responses by id on both sides; notifications flow in both
// directions without correlation.
package mcp
