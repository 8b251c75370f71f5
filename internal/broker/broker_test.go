package broker

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDelivery(t *testing.T) {
	d := amqp.Delivery{
		MessageId: "msg-1",
		Body:      []byte(`{"task": {"id": "a"}, "workflow_id": "workflow-1"}`),
		Headers: amqp.Table{
			headerTaskID:    "a",
			headerDeferrals: int32(2),
			headerRetries:   int64(1),
		},
	}

	msg, err := parseDelivery("default", d)
	require.NoError(t, err)

	assert.Equal(t, "msg-1", msg.MessageID)
	assert.Equal(t, "default", msg.Queue)
	assert.Equal(t, "workflow-1", msg.WorkflowID)
	assert.Equal(t, "a", msg.TaskID)
	assert.Equal(t, 2, msg.Deferrals)
	assert.Equal(t, 1, msg.Retries)
	assert.JSONEq(t, `{"id": "a"}`, string(msg.Task))
}

func TestParseDeliveryWorkflowIDFromHeader(t *testing.T) {
	d := amqp.Delivery{
		Body: []byte(`{"task": {"id": "a"}}`),
		Headers: amqp.Table{
			headerTaskID:     "a",
			headerWorkflowID: "workflow-1",
		},
	}

	msg, err := parseDelivery("default", d)
	require.NoError(t, err)
	assert.Equal(t, "workflow-1", msg.WorkflowID)
}

func TestParseDeliveryRejectsMalformed(t *testing.T) {
	_, err := parseDelivery("default", amqp.Delivery{Body: []byte(`not json`)})
	assert.Error(t, err)

	// Missing routing identity.
	_, err = parseDelivery("default", amqp.Delivery{
		Body: []byte(`{"task": {"id": "a"}}`),
	})
	assert.ErrorContains(t, err, "missing task_id or workflow_id")
}

func TestHeaderInt(t *testing.T) {
	headers := amqp.Table{
		"as_int":   7,
		"as_int32": int32(8),
		"as_int64": int64(9),
		"bogus":    "ten",
	}

	assert.Equal(t, 7, headerInt(headers, "as_int"))
	assert.Equal(t, 8, headerInt(headers, "as_int32"))
	assert.Equal(t, 9, headerInt(headers, "as_int64"))
	assert.Equal(t, 0, headerInt(headers, "bogus"))
	assert.Equal(t, 0, headerInt(headers, "absent"))
}

func TestQueueFor(t *testing.T) {
	b := &Broker{defaultQueue: "default"}
	assert.Equal(t, "default", b.QueueFor(""))
	assert.Equal(t, "gpu", b.QueueFor("gpu"))
}
