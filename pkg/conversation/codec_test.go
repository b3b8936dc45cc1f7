package conversation

import (
	"encoding/json"
	"testing"

	"github.com/harun/agentloop/pkg/completion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolRoundLog(t *testing.T) *Log {
	t.Helper()
	log := NewLog("What is my IP?")
	require.NoError(t, log.Append(ToolCall{Name: "get_ip", CallID: "get_ip", Arguments: map[string]any{}}))
	require.NoError(t, log.Append(ToolResult{CallID: "get_ip", Output: "19.199.198.200"}))
	return log
}

func TestEncode(t *testing.T) {
	t.Run("should use continuation prompt after a tool result", func(t *testing.T) {
		history, prompt, err := Encode(toolRoundLog(t))
		require.NoError(t, err)

		assert.Equal(t, ContinuationPrompt, prompt)
		require.Len(t, history, 3)

		assert.Equal(t, completion.RoleUser, history[0].Role)
		assert.Equal(t, "What is my IP?", history[0].Parts[0].Text)

		assert.Equal(t, completion.RoleModel, history[1].Role)
		require.NotNil(t, history[1].Parts[0].FunctionCall)
		assert.Equal(t, "get_ip", history[1].Parts[0].FunctionCall.Name)

		assert.Equal(t, completion.RoleUser, history[2].Role)
		require.NotNil(t, history[2].Parts[0].FunctionResponse)
		assert.Equal(t, "get_ip", history[2].Parts[0].FunctionResponse.Name)
		assert.Equal(t, map[string]any{"result": "19.199.198.200"}, history[2].Parts[0].FunctionResponse.Response)
	})

	t.Run("should use fresh input as prompt with empty history", func(t *testing.T) {
		history, prompt, err := Encode(NewLog("hello"))
		require.NoError(t, err)

		assert.Equal(t, "hello", prompt)
		assert.Empty(t, history)
	})

	t.Run("should keep earlier turns as history when last turn is text", func(t *testing.T) {
		log := toolRoundLog(t)
		require.NoError(t, log.Append(ModelMessage{Content: "Your IP is 19.199.198.200"}))
		require.NoError(t, log.Append(UserMessage{Content: "And where is that?"}))

		history, prompt, err := Encode(log)
		require.NoError(t, err)

		assert.Equal(t, "And where is that?", prompt)
		require.Len(t, history, 4)
		assert.Equal(t, completion.RoleModel, history[3].Role)
		assert.Equal(t, "Your IP is 19.199.198.200", history[3].Parts[0].Text)
	})

	t.Run("should fail on empty log", func(t *testing.T) {
		_, _, err := Encode(&Log{})
		assert.ErrorIs(t, err, ErrEmptyLog)

		_, _, err = Encode(nil)
		assert.ErrorIs(t, err, ErrEmptyLog)
	})

	t.Run("should produce byte-identical payloads for identical logs", func(t *testing.T) {
		build := func() *Log {
			log := NewLog("weather?")
			require.NoError(t, log.Append(ToolCall{
				Name:   "get_location_info",
				CallID: "get_location_info",
				Arguments: map[string]any{
					"ip":     "1.2.3.4",
					"fields": []any{"city", "country"},
					"nested": map[string]any{"z": 1, "a": 2},
				},
			}))
			require.NoError(t, log.Append(ToolResult{CallID: "get_location_info", Output: map[string]any{"city": "Paris"}}))
			return log
		}

		h1, p1, err := Encode(build())
		require.NoError(t, err)
		h2, p2, err := Encode(build())
		require.NoError(t, err)

		b1, err := json.Marshal(h1)
		require.NoError(t, err)
		b2, err := json.Marshal(h2)
		require.NoError(t, err)

		assert.Equal(t, p1, p2)
		assert.Equal(t, string(b1), string(b2))
	})

	t.Run("should not leak argument maps into the payload", func(t *testing.T) {
		args := map[string]any{"ip": "1.2.3.4"}
		log := NewLog("q")
		require.NoError(t, log.Append(ToolCall{Name: "get_location_info", CallID: "get_location_info", Arguments: args}))
		require.NoError(t, log.Append(ToolResult{CallID: "get_location_info", Output: "Paris"}))

		args["ip"] = "changed"
		history, _, err := Encode(log)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, "1.2.3.4", history[1].Parts[0].FunctionCall.Args["ip"])

		history[1].Parts[0].FunctionCall.Args["ip"] = "mutated"
		again, _, err := Encode(log)
		require.NoError(t, err)
		assert.Equal(t, "1.2.3.4", again[1].Parts[0].FunctionCall.Args["ip"])
	})
}

func TestDecodeEntry(t *testing.T) {
	t.Run("should round trip every turn kind", func(t *testing.T) {
		turns := []Turn{
			UserMessage{Content: "hi"},
			ModelMessage{Content: "hello"},
			ToolCall{Name: "get_location_info", CallID: "get_location_info", Arguments: map[string]any{"ip": "1.2.3.4"}},
			ToolResult{CallID: "get_location_info", Output: "Paris"},
		}

		for _, turn := range turns {
			entry, err := EncodeEntry(turn)
			require.NoError(t, err)

			decoded, err := DecodeEntry(entry)
			require.NoError(t, err)
			assert.Equal(t, turn, decoded)
		}
	})

	t.Run("should reject entries with several parts", func(t *testing.T) {
		_, err := DecodeEntry(completion.Content{
			Role:  completion.RoleUser,
			Parts: []completion.Part{{Text: "a"}, {Text: "b"}},
		})
		assert.Error(t, err)
	})

	t.Run("should reject function call from user role", func(t *testing.T) {
		_, err := DecodeEntry(completion.Content{
			Role:  completion.RoleUser,
			Parts: []completion.Part{{FunctionCall: &completion.FunctionCall{Name: "x"}}},
		})
		assert.Error(t, err)
	})
}
