package observability

import (
	"testing"
	"time"

	"github.com/danmuck/hermes/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("agent-a", "POST", "/execute", 200, 12*time.Millisecond)
	RecordAgentExecution("stream", "success", 2*time.Second)
	RecordWorkerJob("failure")
	SetWorkerQueueDepth(4)
	RecordBusPublish("execution_output", false)
	RecordBusLost("execution_output")
	RecordBusReconnect()
	RecordHubFanout(3, 1)
	SetHubPeers(2)
}
