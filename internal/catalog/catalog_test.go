package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentrun/internal/domain"
)

func noop(context.Context, map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func TestNewRejectsDuplicatesAndEmptyNames(t *testing.T) {
	t.Parallel()

	_, err := New(Tool{Name: "a", Invoke: noop}, Tool{Name: "a", Invoke: noop})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = New(Tool{Name: "", Invoke: noop})
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = New(Tool{Name: "b"})
	assert.ErrorIs(t, err, ErrNoInvoker)
}

func TestCatalogLookupAndSchemas(t *testing.T) {
	t.Parallel()

	c, err := New(
		Tool{Name: "search_products", Risk: domain.RiskReadOnly, Invoke: noop},
		Tool{Name: "add_to_list", Risk: domain.RiskWriteLow, Invoke: noop, Description: "adds"},
	)
	require.NoError(t, err)

	risk, ok := c.Risk("add_to_list")
	require.True(t, ok)
	assert.Equal(t, domain.RiskWriteLow, risk)

	_, ok = c.Lookup("missing")
	assert.False(t, ok)

	schemas := c.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "add_to_list", schemas[0].Name)
	assert.Equal(t, []string{"add_to_list", "search_products"}, c.Names())
}

func TestDecodeArguments(t *testing.T) {
	t.Parallel()

	args, err := DecodeArguments(`{"sku":"A1","qty":2}`)
	require.NoError(t, err)
	assert.Equal(t, "A1", args["sku"])
	assert.Equal(t, json.Number("2"), args["qty"])

	args, err = DecodeArguments("  ")
	require.NoError(t, err)
	assert.Empty(t, args)

	for _, bad := range []string{`{"sku":`, `[1,2]`, `"text"`, `{} {}`} {
		_, err := DecodeArguments(bad)
		require.Error(t, err, bad)
		assert.Equal(t, KindInvalidArgument, Classify(err), bad)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindTransient, Classify(Transient(errors.New("flaky"))))
	assert.Equal(t, KindNotFound, Classify(fmt.Errorf("wrapped: %w", NotFound("sku %s", "x"))))
	assert.Equal(t, KindTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindFatal, Classify(errors.New("boom")))
}

func TestParseBuildsHTTPTools(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var args map[string]any
		_ = json.Unmarshal(body, &args)
		switch args["sku"] {
		case "missing":
			w.WriteHeader(http.StatusNotFound)
		case "busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "bad":
			w.WriteHeader(http.StatusUnprocessableEntity)
		case "forbidden":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"price":12.5}`))
		}
	}))
	defer srv.Close()

	yamlDoc := fmt.Sprintf(`
tools:
  - name: get_price
    description: Look up a price
    risk: read-only
    endpoint: %s/price
    parameters:
      type: object
      required: [sku]
      properties:
        sku: {type: string}
  - name: place_order
    risk: critical
    endpoint: %s/order
    sequential: true
`, srv.URL, srv.URL)

	c, err := Parse([]byte(yamlDoc), srv.Client())
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	risk, _ := c.Risk("place_order")
	assert.Equal(t, domain.RiskCritical, risk)
	order, _ := c.Lookup("place_order")
	assert.True(t, order.Sequential)

	tool, ok := c.Lookup("get_price")
	require.True(t, ok)
	assert.False(t, tool.Sequential)

	payload, err := tool.Invoke(context.Background(), map[string]any{"sku": "A1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":12.5}`, string(payload))

	cases := map[string]ErrorKind{
		"missing":   KindNotFound,
		"busy":      KindTransient,
		"bad":       KindInvalidArgument,
		"forbidden": KindFatal,
	}
	for sku, want := range cases {
		_, err := tool.Invoke(context.Background(), map[string]any{"sku": sku})
		require.Error(t, err, sku)
		assert.Equal(t, want, Classify(err), sku)
	}

	_, err = tool.Invoke(context.Background(), map[string]any{})
	assert.Equal(t, KindInvalidArgument, Classify(err))
}

func TestParseRejectsUnknownRisk(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("tools:\n  - name: x\n    risk: spicy\n    endpoint: http://localhost\n"), nil)
	assert.Error(t, err)
}
