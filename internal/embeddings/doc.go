// Package embeddings turns text into fixed-length vectors.
//
// Three providers are supported: a TEI (text-embeddings-inference) HTTP
// service, any OpenAI-compatible endpoint through langchaingo, and local
// ONNX models through FastEmbed (cgo builds only). Client wraps a provider,
// batches requests and enforces the configured vector dimension.
package embeddings
