package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestRecordersDoNotPanicBeforeInit(t *testing.T) {
	ctx := context.Background()
	RecordGatewayStart(ctx, "stdio")
	RecordBundleResolution(ctx, "ok")
	RecordSessionEstablished(ctx)
	RecordSessionTerminated(ctx, "idle")
	RecordUpstreamConnected(ctx, "github")
	RecordUpstreamDisconnected(ctx, "github")
}

func TestInitIsIdempotentAndEnablesRecorders(t *testing.T) {
	Init()
	Init()

	ctx := context.Background()
	RecordGatewayStart(ctx, "sse")
	RecordBundleResolution(ctx, "invalid_token")
	RecordSessionEstablished(ctx)
	RecordSessionTerminated(ctx, "client_disconnect")
	RecordUpstreamConnected(ctx, "notion")
	RecordUpstreamDisconnected(ctx, "notion")

	exportCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	StartPeriodicExport(exportCtx, 10*time.Millisecond)
}
