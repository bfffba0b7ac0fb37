package mcpserve

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuggestName(t *testing.T) {
	candidates := []string{"get_weather", "get_forecast", "list_files"}

	assert.Equal(t, "get_weather", suggestName("get_wether", candidates))
	assert.Equal(t, "get_weather", suggestName("GET_WEATHER", candidates))
	assert.Equal(t, "", suggestName("zzzzzz", nil))
	assert.Equal(t, "", suggestName("qqq", []string{"completely-unrelated-xyz"}))
}

func TestFormatUnknownToolError(t *testing.T) {
	msg := formatUnknownToolError("get_wether", []string{"get_weather", "list_files"})
	assert.Contains(t, msg, `Did you mean "get_weather"?`)

	msg = formatUnknownToolError("zzz", []string{"alpha", "beta"})
	assert.Contains(t, msg, "Available tools: alpha, beta")

	msg = formatUnknownToolError("anything", nil)
	assert.Contains(t, msg, "No tools are registered")

	// Long lists are truncated to ten names.
	many := []string{"m01", "m02", "m03", "m04", "m05", "m06", "m07", "m08", "m09", "m10", "m11", "m12"}
	msg = formatUnknownToolError("zzz", many)
	assert.Contains(t, msg, "...")
	assert.NotContains(t, msg, "m11")
}

func TestErrorToRPC(t *testing.T) {
	rpc := errorToRPC(NewRPCError(CodeRateLimited, "slow down"))
	assert.Equal(t, CodeRateLimited, rpc.Code)

	rpc = errorToRPC(&ParameterValidationError{Param: "n", Expected: "integer", Actual: "x"})
	assert.Equal(t, CodeInvalidParams, rpc.Code)
	assert.Contains(t, rpc.Message, `"n"`)

	rpc = errorToRPC(&URLElicitationRequiredError{URL: "https://example.com/auth", Description: "sign in"})
	assert.Equal(t, CodeURLElicitationRequired, rpc.Code)
	data := rpc.Data.(map[string]any)
	assert.Equal(t, "https://example.com/auth", data["url"])

	// Arbitrary errors never leak their message to the wire.
	rpc = errorToRPC(errors.New("db password is hunter2"))
	assert.Equal(t, CodeInternalError, rpc.Code)
	assert.Equal(t, "Internal server error", rpc.Message)
}

func TestErrorToRPCUnwrapsWrappedErrors(t *testing.T) {
	// fmt.Errorf chains keep their code instead of collapsing to -32603.
	rpc := errorToRPC(fmt.Errorf("calling tool: %w", NewRPCError(CodeRateLimited, "slow down")))
	assert.Equal(t, CodeRateLimited, rpc.Code)

	rpc = errorToRPC(fmt.Errorf("reading args: %w", &ParameterValidationError{Param: "n", Expected: "integer", Actual: "x"}))
	assert.Equal(t, CodeInvalidParams, rpc.Code)

	// Lookups of unknown ids are a caller mistake, not a server fault.
	rpc = errorToRPC(fmt.Errorf("task %q: %w", "t-1", ErrNotFound))
	assert.Equal(t, CodeInvalidParams, rpc.Code)
	assert.Contains(t, rpc.Message, "t-1")
}
