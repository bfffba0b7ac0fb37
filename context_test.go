package mcpserve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallContextPropagation(t *testing.T) {
	cc := &CallContext{SessionID: "sess1", UserID: "user1"}
	ctx := WithCallContext(context.Background(), cc)

	got, ok := CallContextFrom(ctx)
	require.True(t, ok)
	assert.Same(t, cc, got)
	assert.Equal(t, "sess1", SessionID(ctx))
	assert.Equal(t, "user1", UserID(ctx))

	// Outside a request everything degrades to zero values.
	assert.Empty(t, SessionID(context.Background()))
	_, ok = CallContextFrom(context.Background())
	assert.False(t, ok)
}

func TestSendProgress(t *testing.T) {
	var sent []map[string]any
	cc := &CallContext{
		ProgressToken: "tok-1",
		notify: func(method string, params any) {
			sent = append(sent, map[string]any{"method": method, "params": params})
		},
	}
	ctx := WithCallContext(context.Background(), cc)

	total := 10.0
	SendProgress(ctx, 3, &total, "almost there")
	require.Len(t, sent, 1)
	assert.Equal(t, "notifications/progress", sent[0]["method"])
	params := sent[0]["params"].(map[string]any)
	assert.Equal(t, "tok-1", params["progressToken"])
	assert.Equal(t, 3.0, params["progress"])
	assert.Equal(t, 10.0, params["total"])

	// No token means silent no-op.
	cc.ProgressToken = nil
	SendProgress(ctx, 4, nil, "")
	assert.Len(t, sent, 1)

	// Outside a request it is also a no-op.
	SendProgress(context.Background(), 1, nil, "")
}

func TestSendLog(t *testing.T) {
	var sent []any
	cc := &CallContext{
		notify: func(method string, params any) { sent = append(sent, params) },
	}
	ctx := WithCallContext(context.Background(), cc)

	SendLog(ctx, "warning", map[string]any{"detail": "x"}, "mytool")
	require.Len(t, sent, 1)
	params := sent[0].(map[string]any)
	assert.Equal(t, "warning", params["level"])
	assert.Equal(t, "mytool", params["logger"])
}

func TestResourceLinksAccumulate(t *testing.T) {
	cc := &CallContext{}
	ctx := WithCallContext(context.Background(), cc)

	AddResourceLink(ctx, "file://a.txt", "A", "first")
	AddResourceLink(ctx, "file://b.txt", "", "")

	links := cc.resourceLinks()
	require.Len(t, links, 2)
	assert.Equal(t, "resource_link", links[0]["type"])
	assert.Equal(t, "file://a.txt", links[0]["uri"])
	assert.Equal(t, "A", links[0]["name"])
	_, hasName := links[1]["name"]
	assert.False(t, hasName)

	// The returned slice is a copy.
	links[0]["uri"] = "mutated"
	assert.Equal(t, "file://a.txt", cc.resourceLinks()[0]["uri"])
}

func TestClientRPCRequiresCapability(t *testing.T) {
	cc := &CallContext{
		rpc: func(ctx context.Context, method string, params any) (map[string]any, error) {
			return map[string]any{"roots": []any{map[string]any{"uri": "file:///home"}}}, nil
		},
		capabilities: map[string]any{"roots": map[string]any{}},
	}
	ctx := WithCallContext(context.Background(), cc)

	roots, err := ListRoots(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "file:///home", roots[0]["uri"])

	// sampling is not declared by this client.
	_, err = CreateMessage(ctx, SamplingRequest{})
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Contains(t, rpcErr.Message, "sampling")

	_, err = CreateElicitation(context.Background(), ElicitationRequest{})
	require.Error(t, err)
}

func TestSamplingRequestParams(t *testing.T) {
	temp := 0.5
	p := SamplingRequest{
		Messages:     []map[string]any{{"role": "user"}},
		SystemPrompt: "be brief",
		Temperature:  &temp,
	}.params()
	assert.Equal(t, 1000, p["maxTokens"]) // default
	assert.Equal(t, "be brief", p["systemPrompt"])
	assert.Equal(t, 0.5, p["temperature"])
	assert.NotContains(t, p, "stopSequences")
}
