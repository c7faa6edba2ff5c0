package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

// ToolFunc executes a locally declared tool with the vendor-supplied
// arguments and returns the text to splice into the reply.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// ToolSet is the closed set of local functions an adapter exposes to the
// vendor. Unknown tool names in a vendor response are skipped without error.
type ToolSet struct {
	mu    sync.RWMutex
	funcs map[string]ToolFunc
	defs  []openai.Tool
}

func NewToolSet() *ToolSet {
	t := &ToolSet{funcs: make(map[string]ToolFunc)}

	t.Register("get_weather", openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        "get_weather",
			Description: "Look up current weather for a city.",
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"location": {
						Type:        jsonschema.String,
						Description: "City name, e.g. Berlin",
					},
				},
				Required: []string{"location"},
			},
		},
	}, getWeather)

	return t
}

func (t *ToolSet) Register(name string, def openai.Tool, fn ToolFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[name] = fn
	t.defs = append(t.defs, def)
}

// Definitions returns the tool declarations sent with a chat request.
func (t *ToolSet) Definitions() []openai.Tool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]openai.Tool(nil), t.defs...)
}

// Execute runs the named tool with raw JSON arguments. The second return is
// false when the name is unknown or the arguments do not parse.
func (t *ToolSet) Execute(ctx context.Context, name, rawArgs string) (string, bool) {
	t.mu.RLock()
	fn, ok := t.funcs[name]
	t.mu.RUnlock()
	if !ok {
		return "", false
	}

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", false
		}
	}

	out, err := fn(ctx, args)
	if err != nil {
		return "", false
	}
	return out, true
}

// Canned observations; a real deployment would back this with a weather API.
var weatherByCity = map[string]string{
	"berlin":   "cloudy, 14°C",
	"london":   "light rain, 12°C",
	"new york": "sunny, 21°C",
	"tokyo":    "clear, 18°C",
}

func getWeather(_ context.Context, args map[string]any) (string, error) {
	loc, _ := args["location"].(string)
	if loc == "" {
		return "", fmt.Errorf("get_weather: location is required")
	}
	if w, ok := weatherByCity[strings.ToLower(strings.TrimSpace(loc))]; ok {
		return fmt.Sprintf("Weather in %s: %s", loc, w), nil
	}
	return fmt.Sprintf("Weather in %s: no data available", loc), nil
}
