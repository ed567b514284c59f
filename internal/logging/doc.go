// Package logging provides structured logging for lexd on top of zap.
//
// Logger methods take a context.Context and attach correlation fields found
// in it: OpenTelemetry trace and span ids, the request id assigned by the
// HTTP layer, the calling user and the document or task being processed.
//
//	ctx = logging.WithDocumentID(ctx, doc.ID)
//	logger.Info(ctx, "document indexed", zap.Int("chunks", n))
//
// Output goes to stdout (JSON or console) and, when an OpenTelemetry log
// provider is supplied, to the otelzap bridge as well. String values that
// look like credentials are redacted by the stdout encoder.
//
// Packages that only need a plain *zap.Logger receive Logger.Underlying().
package logging
